// Package render expands campaign templates of the form
// "Hi {{name}}, your code is {{code}}" against per-recipient fields.
package render

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type TemplateError struct {
	Pos int
	Msg string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template: %s at offset %d", e.Msg, e.Pos)
}

type part struct {
	text  string
	field bool
}

// Template is a parsed template. Parsing happens once per campaign; Render is
// called per recipient and is a pure function.
type Template struct {
	parts []part
}

func Parse(s string) (*Template, error) {
	var parts []part
	pos := 0
	for pos < len(s) {
		open := strings.Index(s[pos:], "{{")
		stray := strings.Index(s[pos:], "}}")
		if open == -1 {
			if stray != -1 {
				return nil, &TemplateError{Pos: pos + stray, Msg: "unmatched }}"}
			}
			parts = append(parts, part{text: s[pos:]})
			break
		}
		if stray != -1 && stray < open {
			return nil, &TemplateError{Pos: pos + stray, Msg: "unmatched }}"}
		}
		if open > 0 {
			parts = append(parts, part{text: s[pos : pos+open]})
		}
		pos += open + 2
		end := strings.Index(s[pos:], "}}")
		if end == -1 {
			return nil, &TemplateError{Pos: pos - 2, Msg: "unclosed {{"}
		}
		name := strings.TrimSpace(s[pos : pos+end])
		if name == "" {
			return nil, &TemplateError{Pos: pos - 2, Msg: "empty placeholder"}
		}
		if strings.Contains(name, "{{") {
			return nil, &TemplateError{Pos: pos - 2, Msg: "nested {{"}
		}
		parts = append(parts, part{text: name, field: true})
		pos += end + 2
	}
	return &Template{parts: parts}, nil
}

// Fields lists the placeholder names in order of first appearance.
func (t *Template) Fields() []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range t.parts {
		if p.field && !seen[p.text] {
			seen[p.text] = true
			out = append(out, p.text)
		}
	}
	return out
}

// Render substitutes recipient fields, falling back to the campaign-level
// default for a missing field. A field with neither value nor default renders
// empty; missing data is never an error.
func (t *Template) Render(fields, defaults map[string]string) string {
	var b strings.Builder
	for _, p := range t.parts {
		if !p.field {
			b.WriteString(p.text)
			continue
		}
		if v, ok := fields[p.text]; ok {
			b.WriteString(v)
			continue
		}
		b.WriteString(defaults[p.text])
	}
	return b.String()
}

// Segments returns the number of billing units for a body, given the
// per-channel unit size (160 for GSM-style SMS).
func Segments(body string, unit int) int {
	if unit <= 0 {
		unit = 160
	}
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return 1
	}
	return (n + unit - 1) / unit
}
