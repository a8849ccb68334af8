package normalize

import (
	"regexp"
	"strings"

	"github.com/phrazzld/tailor-api/internal/domain"
)

// Placeholders lists example contact values known to be synthetic. The
// defaults include the sample values shown in the parse prompt, which models
// sometimes echo back instead of reading the document.
type Placeholders struct {
	Names  []string
	Emails []string
	Phones []string
}

// DefaultPlaceholders matches the example values in the bundled prompts
// plus common template filler.
var DefaultPlaceholders = Placeholders{
	Names:  []string{"John Doe", "Jane Doe", "Your Name", "First Last", "Full Name"},
	Emails: []string{"john.doe@example.com", "jane.doe@example.com", "email@example.com", "your.email@example.com"},
	Phones: []string{"+1-555-0100", "123-456-7890", "(555) 555-5555", "555-555-5555"},
}

var (
	syntheticEmailDomain = regexp.MustCompile(`(?i)@(example\.(com|org|net)|test\.com|email\.com)$`)
	// 555-0100 through 555-0199 is reserved for fictional use.
	fictionalPhone = regexp.MustCompile(`55501\d\d$`)
)

// InspectProfile reports whether every non-empty identifying field of p
// looks synthetic. It returns the names of the fields that matched. A
// profile with no identifying fields is not flagged.
func (ph Placeholders) InspectProfile(p domain.Profile) (bool, []string) {
	checks := []struct {
		field string
		value string
		match func(string) bool
	}{
		{"name", p.Name, ph.isName},
		{"email", p.Email, ph.isEmail},
		{"phone", p.Phone, ph.isPhone},
	}

	var matched []string
	present := 0
	for _, c := range checks {
		if strings.TrimSpace(c.value) == "" {
			continue
		}
		present++
		if c.match(c.value) {
			matched = append(matched, c.field)
		}
	}

	return present > 0 && len(matched) == present, matched
}

func (ph Placeholders) isName(v string) bool {
	return containsFold(ph.Names, v)
}

func (ph Placeholders) isEmail(v string) bool {
	v = strings.TrimSpace(v)
	return containsFold(ph.Emails, v) || syntheticEmailDomain.MatchString(v)
}

func (ph Placeholders) isPhone(v string) bool {
	digits := digitsOnly(v)
	if digits == "" {
		return false
	}
	for _, known := range ph.Phones {
		if digitsOnly(known) == digits {
			return true
		}
	}
	if fictionalPhone.MatchString(digits) {
		return true
	}
	return strings.Count(digits, digits[:1]) == len(digits)
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
