package dockerfile

import (
	"encoding/json"
	"fmt"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// isJSONForm reports whether the argument text is the exec-array form
// (e.g. CMD ["a","b"]).
func isJSONForm(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "[")
}

// decodeJSONForm decodes an exec-array argument list.
func decodeJSONForm(text string) ([]string, error) {
	var args []string
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("exec-form argument list is empty")
	}
	return args, nil
}

// tokenize splits shell-style argument text into positional tokens and
// leading --flag[=value] options, respecting quoting.
func tokenize(text string) ([]string, map[string]string, error) {
	parser := shellwords.NewParser()
	words, err := parser.Parse(text)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenize %q: %w", text, err)
	}

	flags := map[string]string{}
	var positional []string
	for i, w := range words {
		if len(positional) == 0 && strings.HasPrefix(w, "--") {
			name, value, _ := strings.Cut(strings.TrimPrefix(w, "--"), "=")
			flags[name] = value
			continue
		}
		positional = append(positional, words[i])
	}
	return positional, flags, nil
}

// splitFlags peels leading --flag[=value] options off a shell-form
// command line, leaving the command text untouched past the first
// non-flag word. Quoting inside the command is preserved verbatim.
func splitFlags(text string) (map[string]string, string) {
	flags := map[string]string{}
	rest := strings.TrimSpace(text)
	for {
		if !strings.HasPrefix(rest, "--") {
			return flags, rest
		}
		word, remainder, found := strings.Cut(rest, " ")
		name, value, _ := strings.Cut(strings.TrimPrefix(word, "--"), "=")
		flags[name] = value
		if !found {
			return flags, ""
		}
		rest = strings.TrimSpace(remainder)
	}
}
