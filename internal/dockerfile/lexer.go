package dockerfile

import (
	"regexp"
	"strings"
)

// directivePattern matches a comment body of the form `<name>=<value>`,
// tolerant of leading whitespace inside the comment.
var directivePattern = regexp.MustCompile(`^\s*([a-zA-Z][a-zA-Z0-9-]*)\s*=\s*(.*)$`)

// rawLine is an intermediate representation produced by the line-joining
// pass: either a joined instruction line or a recognized directive.
type rawLine struct {
	lineno        int
	text          string // set for instruction lines
	directiveName string // set for directive lines (canonical instruction name)
	directiveArgs string
}

// joinLines scans recipe text into raw instruction/directive lines,
// resolving escape-based line continuations as it goes. The escape
// character starts at '\\' and can be changed mid-scan by a `#escape=`
// directive, which is why this is a single forward pass rather than a
// pre-split.
func joinLines(text string) ([]rawLine, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	escapeChar := byte('\\')

	var out []rawLine
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		lineno := i + 1
		leading := strings.TrimLeft(line, " \t")

		if leading == "" {
			continue
		}

		if strings.HasPrefix(leading, "#") {
			body := leading[1:]
			if m := directivePattern.FindStringSubmatch(body); m != nil {
				name, ok := liveDirectiveNames[strings.ToLower(strings.TrimSpace(m[1]))]
				if ok {
					value := strings.TrimSpace(m[2])
					if name == NameEscape && len(value) == 1 {
						escapeChar = value[0]
					}
					out = append(out, rawLine{lineno: lineno, directiveName: name, directiveArgs: value})
				}
			}
			continue
		}

		buf := line
		endLine := lineno
		for continuesWithEscape(buf, escapeChar) {
			i++
			if i >= len(lines) {
				return nil, &ParseError{Line: endLine, Message: "unterminated line continuation"}
			}
			trimmedRight := strings.TrimRight(buf, " \t")
			buf = trimmedRight[:len(trimmedRight)-1] + lines[i]
			endLine = i + 1
		}

		out = append(out, rawLine{lineno: endLine, text: buf})
	}

	return out, nil
}

// continuesWithEscape reports whether the last non-trailing-whitespace
// character of line is the escape character, signalling that the next
// physical line should be joined onto this one.
func continuesWithEscape(line string, escapeChar byte) bool {
	trimmed := strings.TrimRight(line, " \t")
	if trimmed == "" {
		return false
	}
	return trimmed[len(trimmed)-1] == escapeChar
}
