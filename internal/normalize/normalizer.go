// Package normalize turns raw model output into the canonical résumé
// document. It never trusts the shape of the model's JSON: every field is
// read tolerantly and every list is guaranteed to be present.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/phrazzld/tailor-api/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoResumeFields is returned when the JSON object has none of the
// canonical top-level fields under any accepted spelling.
var ErrNoResumeFields = errors.New("JSON object contains no résumé fields")

// Options tune a single normalization.
type Options struct {
	// CheckPlaceholders enables the synthetic contact details warning.
	CheckPlaceholders bool
}

// Result is a successfully normalized document plus advisory warnings.
type Result struct {
	Document *domain.ResumeDocument
	Warnings []string
}

// Normalizer maps model output onto the canonical schema.
type Normalizer struct {
	schema       *jsonschema.Schema
	placeholders Placeholders
	logger       *slog.Logger
}

// NewNormalizer compiles the canonical schema.
func NewNormalizer(logger *slog.Logger, placeholders Placeholders) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile canonical schema: %w", err)
	}

	return &Normalizer{
		schema:       schema,
		placeholders: placeholders,
		logger:       logger.With("component", "normalizer"),
	}, nil
}

// top-level field spellings accepted from models, canonical name first
var (
	profileKeys        = []string{"profile", "personalInfo", "personal_info", "contact", "basics"}
	workExperienceKeys = []string{"workExperience", "work_experience", "experience", "employment", "work"}
	educationKeys      = []string{"education", "educations"}
	projectKeys        = []string{"projects", "project"}
	skillKeys          = []string{"skills", "skill"}
	customSectionKeys  = []string{"customSections", "custom_sections", "additionalSections", "sections"}
)

// Normalize parses raw into a canonical document. It returns a
// ValidationError when no usable JSON object is present.
func (n *Normalizer) Normalize(ctx context.Context, raw string, opts Options) (*Result, error) {
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		return nil, domain.NewValidationError("normalize", err)
	}

	var m map[string]any
	if err := json.Unmarshal(obj, &m); err != nil {
		return nil, domain.NewValidationError("normalize", fmt.Errorf("failed to decode JSON object: %w", err))
	}

	if !hasAnyKey(m, profileKeys, workExperienceKeys, educationKeys, projectKeys, skillKeys, customSectionKeys) {
		return nil, domain.NewValidationError("normalize", ErrNoResumeFields)
	}

	res := &Result{Warnings: schemaWarnings(n.schema, m)}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	doc := &domain.ResumeDocument{}

	if v, key, ok := lookup(m, profileKeys); ok {
		if p, isObj := v.(map[string]any); isObj {
			doc.Profile = toProfile(p)
		} else if v != nil {
			warn("%s: expected object, got %s; using empty profile", key, typeName(v))
		}
	}

	doc.WorkExperience = mapList(m, workExperienceKeys, warn, toWorkExperience)
	doc.Education = mapList(m, educationKeys, warn, toEducation)
	doc.Projects = mapList(m, projectKeys, warn, toProject)
	doc.Skills = toSkills(m, warn)
	doc.CustomSections = mapList(m, customSectionKeys, warn, toCustomSection)
	doc.EnsureArrays()

	if doc.IsEmpty() {
		warn("document is empty")
	}

	if opts.CheckPlaceholders {
		if flagged, fields := n.placeholders.InspectProfile(doc.Profile); flagged {
			warn("profile %s look like placeholder values; verify against the source document",
				strings.Join(fields, ", "))
		}
	}

	res.Document = doc

	if len(res.Warnings) > 0 {
		n.logger.DebugContext(ctx, "normalized with warnings",
			"warning_count", len(res.Warnings))
	}

	return res, nil
}

type warnFunc func(format string, args ...any)

// mapList reads the first present key as a list of objects. Absent or
// null yields an empty list; wrong types yield an empty list and a warning;
// non-object items are dropped with a warning.
func mapList[T any](m map[string]any, keys []string, warn warnFunc, convert func(map[string]any) T) []T {
	out := []T{}

	v, key, ok := lookup(m, keys)
	if !ok || v == nil {
		return out
	}

	items, isList := v.([]any)
	if !isList {
		if obj, isObj := v.(map[string]any); isObj {
			// A single object where a list was expected.
			warn("%s: expected array, got object; wrapping", key)
			return append(out, convert(obj))
		}
		warn("%s: expected array, got %s; using []", key, typeName(v))
		return out
	}

	dropped := 0
	for _, item := range items {
		obj, isObj := item.(map[string]any)
		if !isObj {
			dropped++
			continue
		}
		out = append(out, convert(obj))
	}
	if dropped > 0 {
		warn("%s: dropped %d non-object item(s)", key, dropped)
	}

	return out
}

func toProfile(m map[string]any) domain.Profile {
	return domain.Profile{
		Name:     str(m, "name", "fullName", "full_name"),
		Email:    str(m, "email", "emailAddress", "email_address"),
		Phone:    str(m, "phone", "phoneNumber", "phone_number", "mobile"),
		Location: str(m, "location", "address", "city"),
		Summary:  str(m, "summary", "objective", "about"),
	}
}

func toWorkExperience(m map[string]any) domain.WorkExperience {
	return domain.WorkExperience{
		Company:     str(m, "company", "employer", "organization"),
		Position:    str(m, "position", "title", "role", "jobTitle"),
		Location:    str(m, "location"),
		StartDate:   str(m, "startDate", "start_date", "start"),
		EndDate:     str(m, "endDate", "end_date", "end"),
		Description: str(m, "description", "summary"),
		Highlights:  strList(m, "highlights", "achievements", "responsibilities", "bullets"),
	}
}

func toEducation(m map[string]any) domain.Education {
	return domain.Education{
		Institution: str(m, "institution", "school", "university"),
		Degree:      str(m, "degree", "qualification"),
		Field:       str(m, "field", "fieldOfStudy", "field_of_study", "major"),
		StartDate:   str(m, "startDate", "start_date", "start"),
		EndDate:     str(m, "endDate", "end_date", "end", "graduationDate"),
		Description: str(m, "description", "details"),
	}
}

func toProject(m map[string]any) domain.Project {
	return domain.Project{
		Name:         str(m, "name", "title"),
		Role:         str(m, "role"),
		Description:  str(m, "description", "summary"),
		URL:          str(m, "url", "link"),
		Technologies: strList(m, "technologies", "tech", "stack"),
	}
}

func toCustomSection(m map[string]any) domain.CustomSection {
	return domain.CustomSection{
		Title:   str(m, "title", "name", "heading"),
		Content: str(m, "content", "description", "items", "details"),
	}
}

// toSkills accepts a list of {category, detail} objects, a list of plain
// strings, or an object mapping category to detail.
func toSkills(m map[string]any, warn warnFunc) []domain.Skill {
	out := []domain.Skill{}

	v, key, ok := lookup(m, skillKeys)
	if !ok || v == nil {
		return out
	}

	switch t := v.(type) {
	case []any:
		dropped := 0
		for _, item := range t {
			switch it := item.(type) {
			case map[string]any:
				out = append(out, domain.Skill{
					Category: str(it, "category", "name", "group"),
					Detail:   str(it, "detail", "details", "skills", "items", "keywords"),
				})
			case string:
				if s := strings.TrimSpace(it); s != "" {
					out = append(out, domain.Skill{Detail: s})
				}
			default:
				dropped++
			}
		}
		if dropped > 0 {
			warn("%s: dropped %d unusable item(s)", key, dropped)
		}
	case map[string]any:
		categories := make([]string, 0, len(t))
		for category := range t {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		for _, category := range categories {
			out = append(out, domain.Skill{Category: category, Detail: scalar(t[category])})
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, domain.Skill{Detail: s})
		}
	default:
		warn("%s: expected array, got %s; using []", key, typeName(v))
	}

	return out
}

func lookup(m map[string]any, keys []string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, k, true
		}
	}
	return nil, "", false
}

func hasAnyKey(m map[string]any, groups ...[]string) bool {
	for _, keys := range groups {
		if _, _, ok := lookup(m, keys); ok {
			return true
		}
	}
	return false
}

// str returns the first present key coerced to a trimmed string.
func str(m map[string]any, keys ...string) string {
	v, _, ok := lookup(m, keys)
	if !ok {
		return ""
	}
	return scalar(v)
}

// strList returns the first present key as a list of non-empty strings.
// A single string is treated as a one-element list.
func strList(m map[string]any, keys ...string) []string {
	out := []string{}
	v, _, ok := lookup(m, keys)
	if !ok {
		return out
	}

	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := scalar(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := scalar(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
