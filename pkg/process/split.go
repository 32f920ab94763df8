package process

import (
	"fmt"
	"strings"
)

// shellMeta are characters that only mean something to a shell. A command
// string containing them outside quotes is rejected rather than split.
const shellMeta = ";|&$`<>(){}*?~\\\n"

// SplitCommand turns a declared command string into an argument vector.
// Single and double quotes group words; nothing is expanded.
func SplitCommand(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inWord  bool
		quote   rune
	)

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			current.WriteRune(r)

		case r == '\'' || r == '"':
			quote = r
			inWord = true

		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}

		case strings.ContainsRune(shellMeta, r):
			return nil, fmt.Errorf("command contains shell metacharacter %q: %s", r, s)

		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command: %s", s)
	}
	if inWord {
		args = append(args, current.String())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}
