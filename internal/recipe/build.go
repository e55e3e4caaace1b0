package recipe

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/balena-io-modules/livepush/internal/dockerfile"
)

// Build walks the parsed entries from dockerfile.Parse and groups them into
// stages and action groups.
func Build(entries []dockerfile.Entry) (*Recipe, error) {
	b := &builder{aliasIndex: make(map[string]int)}
	out := &Recipe{}

	for _, e := range entries {
		if err := b.handleEntry(out, e); err != nil {
			return nil, err
		}
	}

	if b.current != nil {
		b.flushCommands(b.current)
		finalizeStage(b.current)
		out.Stages = append(out.Stages, b.current)
	}

	if len(out.Stages) > 0 {
		out.Stages[len(out.Stages)-1].IsLast = true
	}

	return out, nil
}

type builder struct {
	current         *Stage
	aliasIndex      map[string]int
	lastWorkdir     string
	lastStepWasCopy bool
	markerCrossed   bool
	freshGroup      bool
	ungrouped       []string

	liveCmdSeen      bool
	liveCmdFirstLine int
}

func (b *builder) handleEntry(out *Recipe, e dockerfile.Entry) error {
	switch e.Name {
	case dockerfile.NameFrom:
		return b.handleFrom(out, e)
	case dockerfile.NameWorkdir:
		return b.handleWorkdir(e)
	case dockerfile.NameCopy:
		return b.handleCopy(e)
	case dockerfile.NameRun:
		return b.handleRun(e)
	case dockerfile.NameLiveCmd:
		return b.handleLiveCmd(out, e)
	case dockerfile.NameLiveCmdMarker:
		b.flushCommands(b.current)
		b.lastStepWasCopy = false
		b.markerCrossed = true
		b.freshGroup = true
		return nil
	case dockerfile.NameLiveRun, dockerfile.NameLiveCopy, dockerfile.NameLiveEnv:
		out.HasLiveContent = true
		return nil
	case dockerfile.NameEscape:
		return nil
	default:
		// CMD and any other non-structural instruction does not affect
		// action-group shape.
		return nil
	}
}

func (b *builder) handleFrom(out *Recipe, e dockerfile.Entry) error {
	if b.current != nil {
		b.flushCommands(b.current)
		finalizeStage(b.current)
		out.Stages = append(out.Stages, b.current)
	}

	idx := len(out.Stages)
	stage := &Stage{
		Index:             idx,
		WorkingDir:        "/",
		DependentOnStages: make(map[int]struct{}),
	}

	imageRef := e.Tokens[0]
	if len(e.Tokens) == 3 {
		stage.Name = e.Tokens[2]
	}
	if base, ok := resolveStageRef(imageRef, b.aliasIndex, idx); ok {
		baseCopy := base
		stage.BaseStageIndex = &baseCopy
	}
	if stage.Name != "" {
		b.aliasIndex[stage.Name] = idx
	}

	b.current = stage
	b.lastWorkdir = "/"
	b.lastStepWasCopy = false
	b.markerCrossed = false
	b.ungrouped = nil
	return nil
}

func (b *builder) requireStage(e dockerfile.Entry) error {
	if b.current == nil {
		return &dockerfile.ParseError{Line: e.Lineno, Message: fmt.Sprintf("instruction %s found before FROM", e.Name)}
	}
	return nil
}

func (b *builder) handleWorkdir(e dockerfile.Entry) error {
	if err := b.requireStage(e); err != nil {
		return err
	}
	b.flushCommands(b.current)

	dir := e.Args
	if !strings.HasPrefix(dir, "/") {
		dir = path.Join(b.lastWorkdir, dir)
	} else {
		dir = path.Clean(dir)
	}

	group := &ActionGroup{Kind: LocalGroupKind, Workdir: dir, Restart: !b.markerCrossed}
	b.current.ActionGroups = append(b.current.ActionGroups, group)
	b.freshGroup = false
	b.lastWorkdir = dir
	b.current.WorkingDir = dir
	b.lastStepWasCopy = false
	return nil
}

func (b *builder) handleRun(e dockerfile.Entry) error {
	if err := b.requireStage(e); err != nil {
		return err
	}
	b.ungrouped = append(b.ungrouped, e.Args)
	b.lastStepWasCopy = false
	return nil
}

func (b *builder) handleCopy(e dockerfile.Entry) error {
	if err := b.requireStage(e); err != nil {
		return err
	}

	sources, dest, fromRef := parseCopyTokens(e.Tokens)
	destPath := joinDest(b.lastWorkdir, dest)

	if fromRef != "" {
		srcIdx, ok := resolveStageRef(fromRef, b.aliasIndex, b.current.Index)
		if !ok {
			return &dockerfile.UnresolvedStageNameError{Line: e.Lineno, Name: fromRef}
		}
		b.current.DependentOnStages[srcIdx] = struct{}{}

		tail := b.tailGroup()
		coalesce := b.lastStepWasCopy && tail != nil && tail.Kind == StageGroupKind && tail.StageDependency == srcIdx
		if !coalesce {
			b.flushCommands(b.current)
			tail = &ActionGroup{Kind: StageGroupKind, Workdir: b.lastWorkdir, StageDependency: srcIdx, Restart: !b.markerCrossed}
			b.current.ActionGroups = append(b.current.ActionGroups, tail)
			b.freshGroup = false
		}
		for _, src := range sources {
			tail.StageCopies = append(tail.StageCopies, StageCopy{
				Source:      normalizeSlashes(src),
				Dest:        destPath,
				SourceStage: srcIdx,
			})
		}
	} else {
		tail := b.tailGroup()
		coalesce := b.lastStepWasCopy && tail != nil && tail.Kind == LocalGroupKind
		if !coalesce {
			b.flushCommands(b.current)
			tail = &ActionGroup{Kind: LocalGroupKind, Workdir: b.lastWorkdir, Restart: !b.markerCrossed}
			b.current.ActionGroups = append(b.current.ActionGroups, tail)
			b.freshGroup = false
		}
		for _, src := range sources {
			tail.LocalCopies = append(tail.LocalCopies, LocalCopy{
				Source: normalizeSlashes(src),
				Dest:   destPath,
			})
		}
	}

	b.lastStepWasCopy = true
	return nil
}

func (b *builder) handleLiveCmd(out *Recipe, e dockerfile.Entry) error {
	if b.liveCmdSeen {
		return &dockerfile.DuplicateLiveCmdError{FirstLine: b.liveCmdFirstLine, SecondLine: e.Lineno}
	}
	b.liveCmdSeen = true
	b.liveCmdFirstLine = e.Lineno
	out.HasLiveContent = true
	if b.current != nil {
		b.current.LiveCmdSeen = true
	}
	b.flushCommands(b.current)
	b.lastStepWasCopy = false
	b.markerCrossed = true
	b.freshGroup = true
	return nil
}

// tailGroup returns the stage's current open group, or nil if there isn't
// one to extend — either because the stage has no groups yet, or because a
// group boundary (the live-cmd marker, or a live cmd itself) was just
// crossed and the next copy/command must start a new one. A WORKDIR opens
// its own group, which then is the tail.
func (b *builder) tailGroup() *ActionGroup {
	if b.freshGroup || b.current == nil || len(b.current.ActionGroups) == 0 {
		return nil
	}
	return b.current.ActionGroups[len(b.current.ActionGroups)-1]
}

// flushCommands attaches any pending RUN commands to the stage's tail
// group, synthesizing a new group first if none exists yet or a group
// boundary was just crossed.
func (b *builder) flushCommands(s *Stage) {
	if len(b.ungrouped) == 0 || s == nil {
		return
	}
	tail := b.tailGroup()
	if tail == nil {
		tail = &ActionGroup{Kind: LocalGroupKind, Workdir: b.lastWorkdir, Restart: !b.markerCrossed}
		s.ActionGroups = append(s.ActionGroups, tail)
		b.freshGroup = false
	}
	tail.Commands = append(tail.Commands, b.ungrouped...)
	b.ungrouped = nil
}

func finalizeStage(s *Stage) {
	kept := s.ActionGroups[:0]
	for _, g := range s.ActionGroups {
		if !g.IsEmpty() {
			kept = append(kept, g)
		}
	}
	s.ActionGroups = kept
}

// resolveStageRef resolves a FROM/COPY --from reference to a stage index,
// either via an alias defined by an earlier stage or a decimal index; both
// must refer to a stage strictly earlier than currentIndex.
func resolveStageRef(ref string, aliasIndex map[string]int, currentIndex int) (int, bool) {
	if idx, ok := aliasIndex[ref]; ok && idx < currentIndex {
		return idx, true
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < currentIndex {
		return n, true
	}
	return 0, false
}

// parseCopyTokens splits COPY's token list into its --from flag (if any),
// its sources, and its destination (the final token).
func parseCopyTokens(tokens []string) (sources []string, dest string, fromRef string) {
	var rest []string
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "--") {
			if k, v, ok := strings.Cut(tok[2:], "="); ok && k == "from" {
				fromRef = v
			}
			continue
		}
		rest = append(rest, tok)
	}
	if len(rest) == 0 {
		return nil, "", fromRef
	}
	dest = rest[len(rest)-1]
	sources = rest[:len(rest)-1]
	return sources, dest, fromRef
}

// joinDest resolves a COPY destination against the stage's current
// working directory, preserving a trailing slash (directory-destination
// marker) literally.
func joinDest(workdir, dest string) string {
	dest = normalizeSlashes(dest)
	if strings.HasPrefix(dest, "/") {
		return dest
	}
	hadTrailingSlash := strings.HasSuffix(dest, "/")
	joined := path.Join(workdir, dest)
	if hadTrailingSlash && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined
}
