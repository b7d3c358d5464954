package dockerfile

import (
	"strings"
)

// argExpander resolves ARG declarations against invocation-time build
// args and substitutes $NAME / ${NAME} references in later instruction
// arguments. Only declared args are substituted; unknown references are
// left untouched so that RUN commands keep their own shell variables.
type argExpander struct {
	overrides map[string]string
	values    map[string]string
}

func newArgExpander(buildArgs map[string]string) *argExpander {
	overrides := make(map[string]string, len(buildArgs))
	for k, v := range buildArgs {
		overrides[k] = v
	}
	return &argExpander{
		overrides: overrides,
		values:    map[string]string{},
	}
}

// declare registers an ARG instruction. Invocation-supplied overrides
// take precedence over the declared default.
func (a *argExpander) declare(inst *Instruction) {
	for _, arg := range inst.Args {
		name, def, hasDefault := strings.Cut(arg, "=")
		if name == "" {
			continue
		}
		if v, ok := a.overrides[name]; ok {
			a.values[name] = v
			continue
		}
		if hasDefault {
			a.values[name] = def
		} else {
			a.values[name] = ""
		}
	}
}

// expand substitutes declared arg references in text. Only $NAME and
// ${NAME} forms whose name is a declared arg are rewritten; anything
// else, including shell parameter syntax like ${HOME:-/root}, passes
// through byte for byte so RUN commands keep their own expansions.
func (a *argExpander) expand(text string) string {
	if len(a.values) == 0 || !strings.ContainsRune(text, '$') {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if text[i] != '$' {
			b.WriteByte(text[i])
			i++
			continue
		}

		if i+1 < len(text) && text[i+1] == '{' {
			if end := strings.IndexByte(text[i+2:], '}'); end >= 0 {
				if v, ok := a.values[text[i+2:i+2+end]]; ok {
					b.WriteString(v)
					i += end + 3
					continue
				}
			}
			b.WriteByte('$')
			i++
			continue
		}

		j := i + 1
		for j < len(text) && isNameByte(text[j], j > i+1) {
			j++
		}
		if v, ok := a.values[text[i+1:j]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(text[i:j])
		}
		i = j
	}
	return b.String()
}

func isNameByte(c byte, interior bool) bool {
	switch {
	case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		return true
	case '0' <= c && c <= '9':
		return interior
	}
	return false
}

// Values returns a copy of the currently resolved arg values. The
// orchestrator feeds these into cache fingerprints so that any build-arg
// change invalidates downstream entries.
func (a *argExpander) Values() map[string]string {
	out := make(map[string]string, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}
