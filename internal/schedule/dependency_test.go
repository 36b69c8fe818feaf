package schedule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func TestNormalizePart(t *testing.T) {
	require.Equal(t, "", NormalizePart(nil))
	require.Equal(t, "", NormalizePart(strPtr("")))
	require.Equal(t, "", NormalizePart(strPtr("   ")))
	require.Equal(t, "cover", NormalizePart(strPtr("Cover")))
	require.Equal(t, "text", NormalizePart(strPtr("  TEXT ")))
	require.Equal(t, "both", NormalizePart(strPtr("both")))
}

func TestIsBarrier(t *testing.T) {
	testCases := []struct {
		name     string
		predPart *string
		candPart *string
		barrier  bool
	}{
		{"unassigned to unassigned", nil, nil, true},
		{"unassigned to cover", nil, strPtr("cover"), true},
		{"cover to unassigned", strPtr("cover"), nil, true},
		{"both to cover", strPtr("both"), strPtr("cover"), true},
		{"both to text", strPtr("both"), strPtr("text"), true},
		{"cover to both", strPtr("cover"), strPtr("both"), true},
		{"text to both", strPtr("text"), strPtr("both"), true},
		{"cover to cover", strPtr("cover"), strPtr("cover"), true},
		{"text to text", strPtr("text"), strPtr("text"), true},
		{"cover to text", strPtr("cover"), strPtr("text"), false},
		{"text to cover", strPtr("text"), strPtr("cover"), false},
		{"case insensitive parts", strPtr("COVER"), strPtr("Text"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pred := &StageInstance{ID: "pred", PartAssignment: tc.predPart}
			cand := &StageInstance{ID: "cand", PartAssignment: tc.candPart}
			require.Equal(t, tc.barrier, IsBarrier(pred, cand))
		})
	}
}

func TestIsBarrier_DependencyGroupOverridesParts(t *testing.T) {
	// Cover and text would run in parallel, but a shared group serializes them.
	pred := &StageInstance{ID: "pred", PartAssignment: strPtr("cover"), DependencyGroup: strPtr("saddle-stitch")}
	cand := &StageInstance{ID: "cand", PartAssignment: strPtr("text"), DependencyGroup: strPtr("saddle-stitch")}
	require.True(t, IsBarrier(pred, cand))

	// Different groups fall back to the part rules.
	cand.DependencyGroup = strPtr("other")
	require.False(t, IsBarrier(pred, cand))
}

func TestSharesDependencyGroup(t *testing.T) {
	a := &StageInstance{DependencyGroup: strPtr("g1")}
	b := &StageInstance{DependencyGroup: strPtr("g1")}
	require.True(t, SharesDependencyGroup(a, b))

	// Empty labels never match, even against each other.
	c := &StageInstance{DependencyGroup: strPtr("")}
	d := &StageInstance{DependencyGroup: nil}
	require.False(t, SharesDependencyGroup(c, d))
	require.False(t, SharesDependencyGroup(c, c))

	// Labels are compared exactly after trimming.
	e := &StageInstance{DependencyGroup: strPtr(" g1 ")}
	require.True(t, SharesDependencyGroup(a, e))
}

func TestEffectiveOrder(t *testing.T) {
	require.Equal(t, MissingStageOrder, EffectiveOrder(&StageInstance{}))
	require.Equal(t, 3, EffectiveOrder(&StageInstance{StageOrder: intPtr(3)}))
	require.Equal(t, 0, EffectiveOrder(&StageInstance{StageOrder: intPtr(0)}))
}

func TestIsSchedulableStage(t *testing.T) {
	require.True(t, IsSchedulableStage("Printing"))
	require.True(t, IsSchedulableStage("Saddle Stitching"))
	require.False(t, IsSchedulableStage("Proof"))
	require.False(t, IsSchedulableStage("Customer PROOF Approval"))
	require.False(t, IsSchedulableStage("DTP Setup"))
	require.False(t, IsSchedulableStage("Batch Allocation"))
}
