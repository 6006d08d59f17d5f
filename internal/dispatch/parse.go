package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FormatError reports a completion reply that did not follow the pinned
// output format for a field-update intent. The profile is left untouched
// when this happens.
type FormatError struct {
	Field string
	Raw   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("could not read a %s value from the assistant reply %q", e.Field, e.Raw)
}

// parseFloat interprets a temperature-0 completion reply as a single
// float. Surrounding whitespace and a trailing unit word are tolerated.
func parseFloat(field, raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, " \n\t"); i > 0 {
		s = s[:i]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &FormatError{Field: field, Raw: raw}
	}
	return v, nil
}

// foodLog is the nutrition summary extracted from one food-intake message.
type foodLog struct {
	Foods        []string
	Carbohydrate float64
	Fat          float64
	Protein      float64
}

// parseFoodLog decodes the food-intake completion reply. The reply must
// be a JSON object with exactly the keys foods, carbohydrate, fat, and
// protein. Models occasionally emit Python-style literals (single-quoted
// strings, True/None); those are normalized and re-tried before giving
// up. No other recovery is attempted.
func parseFoodLog(raw string) (foodLog, error) {
	s := stripFences(raw)

	log, err := decodeFoodLog(s)
	if err == nil {
		return log, nil
	}

	if normalized, ok := normalizeLiteral(s); ok {
		if log, err := decodeFoodLog(normalized); err == nil {
			return log, nil
		}
	}
	return foodLog{}, &FormatError{Field: "food log", Raw: raw}
}

func decodeFoodLog(s string) (foodLog, error) {
	var payload struct {
		Foods        *[]string `json:"foods"`
		Carbohydrate *float64  `json:"carbohydrate"`
		Fat          *float64  `json:"fat"`
		Protein      *float64  `json:"protein"`
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return foodLog{}, err
	}
	if payload.Foods == nil || payload.Carbohydrate == nil || payload.Fat == nil || payload.Protein == nil {
		return foodLog{}, fmt.Errorf("missing required key")
	}
	return foodLog{
		Foods:        *payload.Foods,
		Carbohydrate: *payload.Carbohydrate,
		Fat:          *payload.Fat,
		Protein:      *payload.Protein,
	}, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// normalizeLiteral rewrites a Python-style dict literal into JSON:
// single-quoted strings become double-quoted, and the bare words True,
// False, and None become their JSON equivalents. It is a plain lexer,
// not an evaluator; anything it cannot account for fails the rewrite.
func normalizeLiteral(s string) (string, bool) {
	var out bytes.Buffer
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			lit, n, ok := scanString(s[i:], c)
			if !ok {
				return "", false
			}
			out.WriteByte('"')
			out.WriteString(lit)
			out.WriteByte('"')
			i += n
		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			switch word := s[i:j]; word {
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			default:
				out.WriteString(word)
			}
			i = j
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), true
}

// scanString consumes a quoted string starting at s[0] (which must be
// the opening quote) and returns its body with interior double quotes
// escaped, plus the number of input bytes consumed.
func scanString(s string, quote byte) (string, int, bool) {
	var body bytes.Buffer
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, false
			}
			i++
			switch s[i] {
			case '\'':
				body.WriteByte('\'') // \' has no meaning in JSON
			case '"':
				body.WriteString(`\"`)
			default:
				body.WriteByte('\\')
				body.WriteByte(s[i])
			}
		case quote:
			return body.String(), i + 1, true
		case '"':
			body.WriteString(`\"`)
		default:
			body.WriteByte(c)
		}
	}
	return "", 0, false
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
