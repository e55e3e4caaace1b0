package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io-modules/livepush/internal/dockerfile"
)

func build(t *testing.T, text string) *Recipe {
	t.Helper()
	entries, err := dockerfile.Parse(text)
	require.NoError(t, err)
	r, err := Build(entries)
	require.NoError(t, err)
	return r
}

func TestBuild_SingleStageMarksItLast(t *testing.T) {
	r := build(t, "FROM alpine\nCOPY a.ts /app/a.ts\n")
	require.Len(t, r.Stages, 1)
	assert.True(t, r.Stages[0].IsLast)
	assert.False(t, r.HasLiveContent)
}

func TestBuild_ConsecutiveLocalCopiesCoalesce(t *testing.T) {
	r := build(t, "FROM alpine\nCOPY a.ts /app/a.ts\nCOPY b.ts /app/b.ts\n")
	require.Len(t, r.Stages[0].ActionGroups, 1)
	assert.Len(t, r.Stages[0].ActionGroups[0].LocalCopies, 2)
}

func TestBuild_RunBetweenCopiesSplitsGroups(t *testing.T) {
	r := build(t, "FROM alpine\nCOPY a.ts /app/a.ts\nRUN echo hi\nCOPY b.ts /app/b.ts\n")
	groups := r.Stages[0].ActionGroups
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].LocalCopies, 1)
	assert.Equal(t, []string{"echo hi"}, groups[0].Commands)
	assert.Len(t, groups[1].LocalCopies, 1)
}

func TestBuild_StageCopyRecordsDependency(t *testing.T) {
	text := "FROM alpine AS builder\nCOPY a.ts /out/a.ts\nFROM alpine\nCOPY --from=builder /out/a.ts /app/a.ts\n"
	r := build(t, text)
	require.Len(t, r.Stages, 2)

	last := r.Stages[1]
	_, ok := last.DependentOnStages[0]
	assert.True(t, ok, "stage 1 must depend on stage 0")

	require.Len(t, last.ActionGroups, 1)
	group := last.ActionGroups[0]
	assert.Equal(t, StageGroupKind, group.Kind)
	assert.Equal(t, 0, group.StageDependency)
	require.Len(t, group.StageCopies, 1)
	assert.Equal(t, "/out/a.ts", group.StageCopies[0].Source)
	assert.Equal(t, "/app/a.ts", group.StageCopies[0].Dest)
}

func TestBuild_StageRefByDecimalIndex(t *testing.T) {
	text := "FROM alpine\nCOPY a.ts /out/a.ts\nFROM alpine\nCOPY --from=0 /out/a.ts /app/a.ts\n"
	r := build(t, text)
	_, ok := r.Stages[1].DependentOnStages[0]
	assert.True(t, ok)
}

func TestBuild_WorkdirAffectsSubsequentDestinations(t *testing.T) {
	r := build(t, "FROM alpine\nWORKDIR /app\nCOPY a.ts a.ts\n")
	group := r.Stages[0].ActionGroups[len(r.Stages[0].ActionGroups)-1]
	require.Len(t, group.LocalCopies, 1)
	assert.Equal(t, "/app/a.ts", group.LocalCopies[0].Dest)
}

func TestBuild_RelativeWorkdirIsJoinedAgainstPrior(t *testing.T) {
	r := build(t, "FROM alpine\nWORKDIR /app\nWORKDIR sub\nCOPY a.ts a.ts\n")
	assert.Equal(t, "/app/sub", r.Stages[0].WorkingDir)
}

func TestBuild_LiveCmdMarksStageAndRecipe(t *testing.T) {
	text := "FROM alpine\nCOPY a.ts /app/a.ts\n#dev-cmd-live=node a.js\nCMD [\"node\", \"built.js\"]\n"
	r := build(t, text)
	assert.True(t, r.HasLiveContent)
	assert.True(t, r.Stages[0].LiveCmdSeen)
}

func TestBuild_LiveCmdMarkerSplitsRunOnlyGroupsAndFlipsRestart(t *testing.T) {
	text := "FROM alpine\nCOPY a.ts /a.ts\nRUN buildA\n#dev-cmd-live=node server.js\nRUN postLiveSetup\n"
	r := build(t, text)
	groups := r.Stages[0].ActionGroups
	require.Len(t, groups, 2, "the marker must force a new group even with no intervening WORKDIR/COPY")

	before := groups[0]
	assert.Equal(t, []string{"buildA"}, before.Commands)
	assert.True(t, before.Restart, "commands issued before the marker keep Restart=true")

	after := groups[1]
	assert.Equal(t, []string{"postLiveSetup"}, after.Commands)
	assert.Empty(t, after.LocalCopies)
	assert.False(t, after.Restart, "commands issued after the marker must have Restart=false")
}

func TestBuild_DuplicateLiveCmdIsRejected(t *testing.T) {
	entries, err := dockerfile.Parse("FROM alpine\n#dev-cmd-live=a\n#dev-cmd-live=b\n")
	require.NoError(t, err)
	_, err = Build(entries)
	require.Error(t, err)
	var dup *dockerfile.DuplicateLiveCmdError
	assert.ErrorAs(t, err, &dup)
}

func TestBuild_UnresolvedStageNameIsRejected(t *testing.T) {
	entries, err := dockerfile.Parse("FROM alpine\nCOPY --from=missing /a /b\n")
	require.NoError(t, err)
	_, err = Build(entries)
	require.Error(t, err)
	var unresolved *dockerfile.UnresolvedStageNameError
	assert.ErrorAs(t, err, &unresolved)
}

func TestBuild_EmptyActionGroupsAreElided(t *testing.T) {
	r := build(t, "FROM alpine\nWORKDIR /app\nWORKDIR /other\nCOPY a.ts a.ts\n")
	for _, g := range r.Stages[0].ActionGroups {
		assert.False(t, g.IsEmpty())
	}
}
