package invalidate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io-modules/livepush/internal/dockerfile"
	"github.com/balena-io-modules/livepush/internal/recipe"
)

func build(t *testing.T, text string) *recipe.Recipe {
	t.Helper()
	entries, err := dockerfile.Parse(text)
	require.NoError(t, err)
	r, err := recipe.Build(entries)
	require.NoError(t, err)
	return r
}

func changed(ss ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func TestCompute_EmptyChangeSetIsNoOp(t *testing.T) {
	r := build(t, "FROM alpine\nCOPY a.ts /b.ts\n")
	plan := Compute(r, changed())
	assert.True(t, plan.IsEmpty())
}

func TestCompute_SingleStageSingleCopy(t *testing.T) {
	r := build(t, "FROM alpine\nCOPY a.ts /b.ts\n")
	plan := Compute(r, changed("a.ts"))
	require.False(t, plan.IsEmpty())
	require.Equal(t, []int{0}, plan.Stages())
	require.Len(t, plan.Groups(0), 1)
}

func TestCompute_OnlyLaterGroupReruns(t *testing.T) {
	r := build(t, "FROM alpine\nWORKDIR /x\nCOPY y .\nRUN cmd\nCOPY z .\nRUN cmd2\n")
	plan := Compute(r, changed("z"))
	require.Equal(t, []int{0}, plan.Stages())
	assert.Len(t, plan.Groups(0), 1)
}

func TestCompute_CascadesAcrossStageCopy(t *testing.T) {
	text := "FROM alpine AS b\nCOPY a.ts /out\nFROM alpine\nCOPY --from=b /out /out\n"
	r := build(t, text)
	plan := Compute(r, changed("a.ts"))

	require.Equal(t, []int{0, 1}, plan.Stages())
	assert.Len(t, plan.Groups(0), 1)
	require.Len(t, plan.Groups(1), 1)
	assert.Equal(t, recipe.StageGroupKind, plan.Groups(1)[0].Kind)
}

func TestCompute_UnrelatedChangeDoesNotCascade(t *testing.T) {
	text := "FROM alpine AS b\nCOPY a.ts /out\nFROM alpine\nCOPY --from=b /out /out\n"
	r := build(t, text)
	plan := Compute(r, changed("unrelated.ts"))
	assert.True(t, plan.IsEmpty())
}

func TestCompute_LongestSuffixWinsAcrossMultiplePaths(t *testing.T) {
	// Stage 2 depends on both stage 0 and stage 1; stage 1 itself depends on
	// stage 0. A change that invalidates stage 0's first group must produce
	// stage 2's longest reachable suffix, not whichever path is visited
	// first.
	text := "" +
		"FROM alpine AS base\n" +
		"COPY a.ts /out\n" +
		"RUN one\n" +
		"FROM alpine AS mid\n" +
		"COPY --from=base /out /out\n" +
		"RUN two\n" +
		"FROM alpine\n" +
		"COPY --from=base /out /base-out\n" +
		"COPY --from=mid /out /mid-out\n" +
		"RUN three\n"
	r := build(t, text)
	plan := Compute(r, changed("a.ts"))

	if diff := cmp.Diff([]int{0, 1, 2}, plan.Stages()); diff != "" {
		t.Fatalf("unexpected invalidated stage order (-want +got):\n%s", diff)
	}
	// stage 2 has two groups (two distinct stage copies, not coalesced
	// since their StageDependency differs). The path through stage 0
	// directly matches stage 2's first group, so the longest-suffix rule
	// must keep both groups rather than the shorter suffix reachable via
	// stage 1.
	assert.Len(t, plan.Groups(2), 2)
}
