// Package prompt holds the versioned, named prompt templates sent to the
// generation provider and resolves them with caller-supplied variables.
package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Template keys used by the pipeline
const (
	KeyParseResume    = "parse_resume"
	KeyOptimizeResume = "optimize_resume"
	KeyGenerateResume = "generate_resume"
)

// Error definitions for the prompt package.
var (
	// ErrUnknownTemplate is returned when no template matches the requested key.
	ErrUnknownTemplate = errors.New("unknown prompt template")

	// ErrMissingVariable is returned when a template references a variable the caller did not supply.
	ErrMissingVariable = errors.New("missing prompt variable")
)

// Store resolves template keys of the form "name" (latest version) or
// "name@vN" (pinned version). Templates are files named name.vN.tmpl.
type Store struct {
	templates map[string]*template.Template // keyed by "name@vN"
	latest    map[string]string             // name -> "name@vN"
}

// NewStore loads the templates bundled with the binary.
func NewStore() (*Store, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded templates: %w", err)
	}
	return NewStoreFromFS(sub)
}

// NewStoreFromFS loads every *.tmpl file at the root of fsys.
func NewStoreFromFS(fsys fs.FS) (*Store, error) {
	files, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	sort.Strings(files)

	s := &Store{
		templates: make(map[string]*template.Template, len(files)),
		latest:    make(map[string]string),
	}
	versions := make(map[string]int)

	for _, file := range files {
		name, version, err := parseFileName(file)
		if err != nil {
			return nil, err
		}

		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", file, err)
		}

		key := fmt.Sprintf("%s@v%d", name, version)
		tmpl, err := template.New(key).Option("missingkey=error").Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", file, err)
		}
		s.templates[key] = tmpl

		if version > versions[name] {
			versions[name] = version
			s.latest[name] = key
		}
	}

	return s, nil
}

// Resolve renders the template identified by key with vars.
func (s *Store) Resolve(key string, vars map[string]string) (string, error) {
	resolved := key
	if !strings.Contains(key, "@") {
		latest, ok := s.latest[key]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
		}
		resolved = latest
	}

	tmpl, ok := s.templates[resolved]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}

	if vars == nil {
		vars = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", fmt.Errorf("%w: %s: %v", ErrMissingVariable, resolved, err)
		}
		return "", fmt.Errorf("failed to execute prompt template %s: %w", resolved, err)
	}

	return buf.String(), nil
}

// Version returns the pinned key that Resolve(name) currently uses.
func (s *Store) Version(name string) (string, bool) {
	key, ok := s.latest[name]
	return key, ok
}

// parseFileName splits "parse_resume.v2.tmpl" into ("parse_resume", 2).
func parseFileName(file string) (string, int, error) {
	base := strings.TrimSuffix(path.Base(file), ".tmpl")
	dot := strings.LastIndex(base, ".v")
	if dot <= 0 {
		return "", 0, fmt.Errorf("template file %s must be named <name>.v<N>.tmpl", file)
	}

	version, err := strconv.Atoi(base[dot+2:])
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("template file %s has an invalid version", file)
	}

	return base[:dot], version, nil
}
