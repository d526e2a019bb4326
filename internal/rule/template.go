package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// Template is a parsed string with ${path} placeholders. Placeholders that do
// not resolve against the document render as the empty string.
type Template struct {
	src   string
	parts []part
}

type part struct {
	lit  string
	path string
}

// ParseTemplate parses src. An unterminated or empty placeholder is an error.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			if rest != "" {
				t.parts = append(t.parts, part{lit: rest})
			}
			return t, nil
		}
		if i > 0 {
			t.parts = append(t.parts, part{lit: rest[:i]})
		}
		rest = rest[i+2:]
		j := strings.IndexByte(rest, '}')
		if j < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", src)
		}
		path := strings.TrimSpace(rest[:j])
		if path == "" {
			return nil, fmt.Errorf("empty placeholder in %q", src)
		}
		t.parts = append(t.parts, part{path: path})
		rest = rest[j+1:]
	}
}

// Render resolves the template against doc.
func (t *Template) Render(doc Document) string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range t.parts {
		if p.path == "" {
			b.WriteString(p.lit)
			continue
		}
		if v, ok := doc.Lookup(p.path); ok {
			b.WriteString(format(v))
		}
	}
	return b.String()
}

// String returns the template source.
func (t *Template) String() string {
	if t == nil {
		return ""
	}
	return t.src
}

// Empty reports whether the template has no parts.
func (t *Template) Empty() bool {
	return t == nil || len(t.parts) == 0
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
