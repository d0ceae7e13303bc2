// Package prompt renders prompt templates with named {placeholders}.
//
// A template declares its input variables up front and New refuses text whose
// placeholders do not match them, so a typo fails at load time rather than
// producing a prompt with a literal "{questoin}" in it. Literal braces are
// written doubled: "{{" and "}}".
package prompt

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// QuestionAnswer is the stock template used to frame a bare question.
var QuestionAnswer = MustNew("Question: {question}\nAnswer:", "question")

type segment struct {
	literal  string
	variable string
}

// Template is a parsed prompt template.
type Template struct {
	text           string
	inputVariables []string
	segments       []segment
}

// New parses text and checks that its placeholders are exactly vars.
func New(text string, vars ...string) (*Template, error) {
	segments, found, err := parse(text)
	if err != nil {
		return nil, err
	}

	declared := slices.Clone(vars)
	sort.Strings(declared)
	declared = slices.Compact(declared)

	var missing, extra []string
	for _, v := range found {
		if !slices.Contains(declared, v) {
			extra = append(extra, v)
		}
	}
	for _, v := range declared {
		if !slices.Contains(found, v) {
			missing = append(missing, v)
		}
	}
	if len(extra) > 0 {
		return nil, fmt.Errorf("template uses undeclared variables: %s", strings.Join(extra, ", "))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("template does not use declared variables: %s", strings.Join(missing, ", "))
	}

	return &Template{text: text, inputVariables: declared, segments: segments}, nil
}

// Infer parses text and declares whatever placeholders it contains.
func Infer(text string) (*Template, error) {
	_, found, err := parse(text)
	if err != nil {
		return nil, err
	}
	return New(text, found...)
}

// MustNew is New for package-level templates.
func MustNew(text string, vars ...string) *Template {
	t, err := New(text, vars...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) Text() string { return t.text }

func (t *Template) InputVariables() []string { return slices.Clone(t.inputVariables) }

// Format substitutes values. Every input variable must be present; values are
// inserted verbatim and never re-parsed.
func (t *Template) Format(values map[string]string) (string, error) {
	var missing []string
	for _, v := range t.inputVariables {
		if _, ok := values[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing values for: %s", strings.Join(missing, ", "))
	}

	var b strings.Builder
	for _, s := range t.segments {
		if s.variable != "" {
			b.WriteString(values[s.variable])
		} else {
			b.WriteString(s.literal)
		}
	}
	return b.String(), nil
}

// parse splits text into literal and variable segments. found is sorted and unique.
func parse(text string) ([]segment, []string, error) {
	var segments []segment
	var found []string
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			segments = append(segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, nil, fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := strings.TrimSpace(text[i+1 : i+1+end])
			if !validName(name) {
				return nil, nil, fmt.Errorf("invalid placeholder %q at offset %d", name, i)
			}
			flush()
			segments = append(segments, segment{variable: name})
			if !slices.Contains(found, name) {
				found = append(found, name)
			}
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, nil, fmt.Errorf("single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()

	sort.Strings(found)
	return segments, found, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
