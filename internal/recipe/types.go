// Package recipe groups parsed Dockerfile entries into stages and compiles
// each stage's instructions into an ordered list of action groups.
package recipe

// GroupKind distinguishes a group of copies sourced from the build context
// (LocalGroup) from one sourced from an earlier stage's container
// (StageGroup).
type GroupKind int

const (
	LocalGroupKind GroupKind = iota
	StageGroupKind
)

// LocalCopy is a single COPY source/destination pair sourced from the
// build context.
type LocalCopy struct {
	Source string
	Dest   string
}

// StageCopy is a single COPY --from=<stage> source/destination pair.
type StageCopy struct {
	Source      string
	Dest        string
	SourceStage int
}

// ActionGroup is a bundle of copies of one kind plus the commands that
// follow them, sharing a working directory.
type ActionGroup struct {
	Kind            GroupKind
	Workdir         string
	LocalCopies     []LocalCopy
	StageCopies     []StageCopy
	StageDependency int // only meaningful when Kind == StageGroupKind
	Commands        []string
	Restart         bool
}

// IsEmpty reports whether the group has neither copies nor commands, the
// condition under which finalizeStage elides it.
func (g *ActionGroup) IsEmpty() bool {
	return len(g.LocalCopies) == 0 && len(g.StageCopies) == 0 && len(g.Commands) == 0
}

// Stage is a single FROM-delimited section of the recipe.
type Stage struct {
	Index             int
	Name              string
	DependentOnStages map[int]struct{}
	IsLast            bool
	ActionGroups      []*ActionGroup
	WorkingDir        string
	LiveCmdSeen       bool

	// BaseStageIndex, when non-nil, is the stage this stage's FROM clause
	// itself derives from (`FROM <earlier-stage-alias-or-index>`). It does
	// not participate in invalidation; it exists purely for diagnostics.
	BaseStageIndex *int
}

// Recipe is the full, ordered list of stages produced by the stage builder.
type Recipe struct {
	Stages []*Stage
	// HasLiveContent is true if any #dev-* directive was encountered.
	HasLiveContent bool
}
