package normalize

import (
	"encoding/json"
	"errors"
)

// ErrNoJSONObject is returned when the text contains no parseable JSON object.
var ErrNoJSONObject = errors.New("no JSON object found in response")

// ExtractJSONObject returns the first balanced JSON object in text. It
// skips braces inside string literals and tolerates surrounding prose or
// markdown fences. Candidates that balance but fail to parse are skipped
// in favour of the next opening brace.
func ExtractJSONObject(text string) ([]byte, error) {
	ends := make(map[int]int)

	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}

		end, ok := ends[start]
		if !ok {
			matchObjects(text, start, ends)
			end = ends[start]
		}
		if end < 0 {
			// Unterminated from here; a later brace may still open a valid object.
			continue
		}

		candidate := []byte(text[start : end+1])
		if json.Valid(candidate) {
			return candidate, nil
		}
	}

	return nil, ErrNoJSONObject
}

// matchObjects scans text from the opening brace at start and records in
// ends the index of the closing brace for every brace it sees outside a
// string literal, or -1 for braces never closed. A scan begun at any of
// those braces sees the same string boundaries, so one pass serves all of
// them.
func matchObjects(text string, start int, ends map[int]int) {
	var open []int
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			open = append(open, i)
		case '}':
			if n := len(open); n > 0 {
				ends[open[n-1]] = i
				open = open[:n-1]
			}
		}
	}

	for _, p := range open {
		ends[p] = -1
	}
}
