package dockerfile

import (
	"sort"
	"strings"
)

// Parse tokenizes recipe text into an ordered list of Entry values: normal
// Dockerfile instructions and livepush's own live/parser directives, merged
// by source line number.
func Parse(text string) ([]Entry, error) {
	rawLines, err := joinLines(text)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rawLines))
	for _, rl := range rawLines {
		if rl.directiveName != "" {
			entries = append(entries, Entry{
				Name:   rl.directiveName,
				Args:   rl.directiveArgs,
				Lineno: rl.lineno,
				Raw:    rl.directiveArgs,
				Kind:   KindDirective,
			})
			continue
		}

		entry, err := lexInstruction(rl.text, rl.lineno)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	// Directives and instructions are already produced in source order by
	// joinLines, but a stable sort on line number keeps the contract
	// explicit and correct if that ever changes.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Lineno < entries[j].Lineno })

	return entries, nil
}

// lexInstruction splits a single joined instruction line into its name and
// arguments, rejecting instructions livepush cannot interpret at parse
// time.
func lexInstruction(line string, lineno int) (Entry, error) {
	trimmed := strings.TrimSpace(line)
	name, rest := splitInstructionName(trimmed)
	upper := strings.ToUpper(name)

	if upper == NameAdd {
		return Entry{}, &UnsupportedInstructionError{Line: lineno, Name: upper}
	}

	entry := Entry{
		Name:   upper,
		Args:   rest,
		Lineno: lineno,
		Raw:    line,
		Kind:   KindInstruction,
	}

	switch upper {
	case NameFrom:
		tokens, _, err := splitArgs(rest)
		if err != nil {
			return Entry{}, &ParseError{Line: lineno, Message: "malformed FROM: " + err.Error()}
		}
		if !isValidFromTokens(tokens) {
			return Entry{}, &ParseError{Line: lineno, Message: "malformed FROM: expected 'FROM <image>' or 'FROM <image> AS <alias>'"}
		}
		entry.Tokens = tokens

	case NameRun:
		tokens, isArray, err := splitArgs(rest)
		if err != nil {
			if err == errObjectForm {
				return Entry{}, &ParseError{Line: lineno, Message: "object-form RUN is not supported"}
			}
			return Entry{}, &ParseError{Line: lineno, Message: "malformed RUN: " + err.Error()}
		}
		if isArray {
			entry.Args = strings.Join(tokens, " ")
		}
		entry.Tokens = tokens

	case NameCopy:
		tokens, _, err := splitArgs(rest)
		if err != nil {
			return Entry{}, &ParseError{Line: lineno, Message: "malformed COPY: " + err.Error()}
		}
		entry.Tokens = tokens

	default:
		// WORKDIR, CMD, and any other instruction: keep the raw argument
		// string; the stage builder interprets it as needed.
	}

	return entry, nil
}

// splitInstructionName splits "NAME rest-of-line" on the first run of
// whitespace.
func splitInstructionName(line string) (name, rest string) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return line, ""
	}
	return line[:idx], strings.TrimSpace(line[idx+1:])
}

// isValidFromTokens reports whether tokens match `<image>` or
// `<image> AS <alias>` (case-insensitive AS).
func isValidFromTokens(tokens []string) bool {
	switch len(tokens) {
	case 1:
		return tokens[0] != ""
	case 3:
		return tokens[0] != "" && strings.EqualFold(tokens[1], "AS") && tokens[2] != ""
	default:
		return false
	}
}
