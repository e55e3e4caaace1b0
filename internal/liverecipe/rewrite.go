// Package liverecipe implements the live-recipe rewriter: producing the
// development-mode variant of a recipe from its live directives.
package liverecipe

import (
	"fmt"
	"strings"

	"github.com/balena-io-modules/livepush/internal/dockerfile"
)

// Rewrite walks entries and produces the development recipe text: entries
// are emitted verbatim until a LIVECMD_MARKER is reached. LIVECMD becomes
// a marker comment followed by CMD <args>; LIVERUN becomes RUN <args>;
// LIVECOPY becomes COPY <args>; the stage's original CMD is suppressed
// once a live cmd exists. When LIVECMD appears in a non-terminal stage,
// every subsequent stage is dropped from the output. The result is
// idempotent: re-running Rewrite on its own output returns it unchanged,
// since no #dev-* entries remain to act on and the `#livecmd-marker=1`
// comment re-parses as a LIVECMD_MARKER that is written back as-is.
func Rewrite(entries []dockerfile.Entry) (string, error) {
	hasLiveCmd := false
	for _, e := range entries {
		if e.Name == dockerfile.NameLiveCmd {
			hasLiveCmd = true
			break
		}
	}

	var out strings.Builder
	liveCmdStageIdx := -1
	stageIdx := -1
	dropRemainingStages := false

	for _, e := range entries {
		if e.Name == dockerfile.NameFrom {
			stageIdx++
			if dropRemainingStages {
				break
			}
		}

		switch e.Name {
		case dockerfile.NameCmd:
			if hasLiveCmd {
				continue
			}
			out.WriteString(e.Raw + "\n")
		case dockerfile.NameLiveCmd:
			liveCmdStageIdx = stageIdx
			out.WriteString("#livecmd-marker=1\n")
			fmt.Fprintf(&out, "CMD %s\n", e.Args)
		case dockerfile.NameLiveCmdMarker:
			out.WriteString("#livecmd-marker=1\n")
		case dockerfile.NameLiveRun:
			fmt.Fprintf(&out, "RUN %s\n", e.Args)
		case dockerfile.NameLiveCopy:
			fmt.Fprintf(&out, "COPY %s\n", e.Args)
		case dockerfile.NameLiveEnv:
			fmt.Fprintf(&out, "ENV %s\n", e.Args)
		case dockerfile.NameEscape:
			fmt.Fprintf(&out, "#escape=%s\n", e.Args)
		default:
			out.WriteString(renderInstruction(e))
		}

		if liveCmdStageIdx >= 0 && e.Name == dockerfile.NameFrom && stageIdx > liveCmdStageIdx {
			// A live cmd in a non-terminal stage drops every later stage:
			// back this FROM out of the output and stop emitting entirely.
			dropRemainingStages = true
			trimTrailingFrom(&out, e)
			break
		}
	}

	return out.String(), nil
}

// renderInstruction reproduces an ordinary (non-live) instruction's
// original source line verbatim, so that a recipe with no live directives
// rewrites to exactly its input.
func renderInstruction(e dockerfile.Entry) string {
	return e.Raw + "\n"
}

// trimTrailingFrom removes the just-appended FROM line that starts the
// first dropped stage, since it was written before the drop decision was
// made.
func trimTrailingFrom(out *strings.Builder, e dockerfile.Entry) {
	s := out.String()
	line := renderInstruction(e)
	if strings.HasSuffix(s, line) {
		out.Reset()
		out.WriteString(s[:len(s)-len(line)])
	}
}
