package recipe

import (
	"testing"

	"github.com/balena-io-modules/livepush/internal/dockerfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(ss ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func mustBuild(t *testing.T, text string) *Recipe {
	t.Helper()
	entries, err := dockerfile.Parse(text)
	require.NoError(t, err)
	r, err := Build(entries)
	require.NoError(t, err)
	return r
}

func TestGroupsForChangedFiles_SuffixIncludesNonMatchingTail(t *testing.T) {
	r := mustBuild(t, "FROM alpine\nWORKDIR /x\nCOPY y .\nRUN cmd\nCOPY z .\nRUN cmd2\n")
	require.Len(t, r.Stages, 1)
	stage := r.Stages[0]
	require.Len(t, stage.ActionGroups, 2)

	got := stage.GroupsForChangedFiles(set("y"))
	assert.Len(t, got, 2, "matching the first group must pull in every later group regardless of its own copies")

	got2 := stage.GroupsForChangedFiles(set("z"))
	assert.Len(t, got2, 1)
	assert.Equal(t, stage.ActionGroups[1], got2[0])
}

func TestGroupsForChangedFiles_NoMatch(t *testing.T) {
	r := mustBuild(t, "FROM alpine\nCOPY y .\nRUN cmd\n")
	got := r.Stages[0].GroupsForChangedFiles(set("unrelated"))
	assert.Nil(t, got)
}

func TestGroupsForChangedStage_MatchesOnlyDependency(t *testing.T) {
	text := "FROM alpine AS b\nCOPY y .\nFROM alpine\nCOPY --from=b /out /out\nRUN cmd\n"
	r := mustBuild(t, text)
	require.Len(t, r.Stages, 2)

	stage1 := r.Stages[1]
	got := stage1.GroupsForChangedStage(0)
	require.Len(t, got, 1)
	assert.Equal(t, StageGroupKind, got[0].Kind)

	assert.Nil(t, stage1.GroupsForChangedStage(5))
}
