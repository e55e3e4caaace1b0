// Package dockerfile implements a directive-aware lexer and parser for the
// Dockerfile recipe format used by livepush. It turns recipe text into an
// ordered list of Entry values: normal Dockerfile instructions interleaved,
// by source line number, with livepush's own `#dev-*` comment directives.
package dockerfile

// Kind distinguishes a standard Dockerfile instruction from a parser
// directive (escape, livecmd-marker) or a livepush live-mode directive.
type Kind int

const (
	// KindInstruction is a normal Dockerfile instruction: FROM, COPY, RUN, ...
	KindInstruction Kind = iota
	// KindDirective is a `#<directive>=<args>` comment recognized by livepush.
	KindDirective
)

// Instruction names. Live directives are surfaced as instructions so that
// downstream stages of the pipeline do not need to special-case directives.
const (
	NameFrom          = "FROM"
	NameCopy          = "COPY"
	NameRun           = "RUN"
	NameWorkdir       = "WORKDIR"
	NameCmd           = "CMD"
	NameAdd           = "ADD"
	NameLiveCmd       = "LIVECMD"
	NameLiveRun       = "LIVERUN"
	NameLiveCopy      = "LIVECOPY"
	NameLiveEnv       = "LIVEENV"
	NameLiveCmdMarker = "LIVECMD_MARKER"
	NameEscape        = "ESCAPE"
)

// liveDirectiveNames maps the comment-form directive name to the canonical
// instruction name it is rewritten to in the parsed entry stream.
var liveDirectiveNames = map[string]string{
	"dev-cmd-live":   NameLiveCmd,
	"dev-run":        NameLiveRun,
	"dev-copy":       NameLiveCopy,
	"dev-env":        NameLiveEnv,
	"escape":         NameEscape,
	"livecmd-marker": NameLiveCmdMarker,
}

// Entry is a single parsed element of the recipe: either a standard
// instruction or a live/parser directive, tagged with the source line on
// which it logically ends (so that directives interleave correctly with
// multi-line instructions).
type Entry struct {
	Name   string
	Args   string
	Tokens []string
	Lineno int
	Raw    string
	Kind   Kind
}

// IsLive reports whether the entry originated from a `#dev-*` comment
// directive rather than a standard Dockerfile instruction.
func (e Entry) IsLive() bool {
	switch e.Name {
	case NameLiveCmd, NameLiveRun, NameLiveCopy, NameLiveEnv:
		return true
	default:
		return false
	}
}
