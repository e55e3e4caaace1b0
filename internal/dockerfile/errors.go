package dockerfile

import "fmt"

// ParseError reports a malformed instruction at a specific source line.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("dockerfile: line %d: %s", e.Line, e.Message)
}

// UnsupportedInstructionError is returned for instructions livepush does not
// interpret, currently just ADD.
type UnsupportedInstructionError struct {
	Line int
	Name string
}

func (e *UnsupportedInstructionError) Error() string {
	return fmt.Sprintf("dockerfile: line %d: unsupported instruction %q", e.Line, e.Name)
}

// DuplicateLiveCmdError is returned when more than one #dev-cmd-live
// directive appears in a single recipe.
type DuplicateLiveCmdError struct {
	FirstLine, SecondLine int
}

func (e *DuplicateLiveCmdError) Error() string {
	return fmt.Sprintf("dockerfile: duplicate #dev-cmd-live directive at line %d (first seen at line %d)",
		e.SecondLine, e.FirstLine)
}

// UnresolvedStageNameError is returned when a `COPY --from=<ref>` cannot be
// resolved to a prior stage by alias or index. An unresolved `FROM <ref>`
// is an external image and not an error.
type UnresolvedStageNameError struct {
	Line int
	Name string
}

func (e *UnresolvedStageNameError) Error() string {
	return fmt.Sprintf("dockerfile: line %d: unresolved stage reference %q", e.Line, e.Name)
}
