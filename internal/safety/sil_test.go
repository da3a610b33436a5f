package safety

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func redundantPair() Subsystem {
	return Subsystem{
		ID:           "logic",
		Architecture: Arch1oo2,
		Components: []Component{
			{ID: "plc-a", PFHd: 3e-8, Beta: ptr(0.05)},
			{ID: "plc-b", PFHd: 3e-8, Beta: ptr(0.05)},
		},
	}
}

func TestSubsystemPFHd1oo2(t *testing.T) {
	s := redundantPair()
	got := SubsystemPFHd(&s)
	assert.InDelta(t, 2.85e-8, got, 1e-15)
	require.NotNil(t, s.LastComputedPFHd)
	assert.Equal(t, got, *s.LastComputedPFHd)
}

func TestTotalPFHdAndSIL(t *testing.T) {
	f := SafetyFunction{ID: "SF1", Name: "guard door", TargetSIL: SIL3, Subsystems: []Subsystem{redundantPair()}}
	total := TotalPFHd(&f)
	assert.InDelta(t, 2.85e-8, total, 1e-15)
	assert.Equal(t, SIL3, AchievedSIL(total))
}

func TestArchitectureFactors(t *testing.T) {
	comps := func(n int) []Component {
		out := make([]Component, n)
		for i := range out {
			out[i] = Component{PFHd: 1e-8}
		}
		return out
	}
	cases := []struct {
		arch string
		n    int
		want float64
	}{
		{Arch1oo2, 2, 2e-8 * 0.5 * 0.95},
		{Arch2oo3, 3, 3e-8 * 0.33 * 0.95},
		{Arch1oo3, 3, 3e-8 * 0.5 * 0.95},
		{Arch2oo2, 2, 2e-8 * 0.25 * 0.95},
		{Arch1oo1, 1, 1e-8},
		{Arch1oo3, 2, 2e-8},
		{"3oo5", 5, 5e-8},
	}
	for _, tc := range cases {
		s := Subsystem{Architecture: tc.arch, Components: comps(tc.n)}
		assert.InDelta(t, tc.want, SubsystemPFHd(&s), 1e-18, "%s with %d components", tc.arch, tc.n)
	}
}

func TestBetaClampedAndPFHdNonNegative(t *testing.T) {
	s := Subsystem{Architecture: Arch1oo2, Components: []Component{
		{PFHd: 1e-8, Beta: ptr(3.0)},
		{PFHd: -5e-8, Beta: ptr(1.5)},
	}}
	assert.Equal(t, 0.0, SubsystemPFHd(&s))
	assert.Equal(t, 1.0, AverageBeta(s.Components))
	assert.Equal(t, 0.0, AverageBeta([]Component{{Beta: ptr(-1.0)}}))
}

func TestAchievedSILInverse(t *testing.T) {
	assert.Equal(t, SIL3, AchievedSIL(9.9e-8))
	assert.Equal(t, SIL2, AchievedSIL(1e-7))
	assert.Equal(t, SIL2, AchievedSIL(9.9e-7))
	assert.Equal(t, SIL1, AchievedSIL(1e-6))
	assert.Equal(t, SIL1, AchievedSIL(1e-3))
}

func TestConsistencyWarnings(t *testing.T) {
	f := SafetyFunction{
		Name:                "stop",
		ProofTestIntervalT1: ptr(20000.0),
		MissionTimeT10D:     ptr(10000.0),
		Subsystems:          []Subsystem{redundantPair()},
	}
	got := slices.Collect(ConsistencyWarnings(f))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "exceeds mission time")

	empty := SafetyFunction{Name: "empty"}
	got = slices.Collect(ConsistencyWarnings(empty))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "no subsystems")

	hollow := SafetyFunction{Name: "hollow", Subsystems: []Subsystem{{ID: "in"}, redundantPair(), {ID: "out"}}}
	got = slices.Collect(ConsistencyWarnings(hollow))
	assert.Len(t, got, 2)
}

func TestConsistencyWarningsRestartable(t *testing.T) {
	seq := ConsistencyWarnings(SafetyFunction{Subsystems: []Subsystem{{ID: "a"}, {ID: "b"}}})
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, first, second)

	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestEvaluateFunctionLeavesInputUntouched(t *testing.T) {
	f := SafetyFunction{ID: "SF1", TargetSIL: SIL2, Subsystems: []Subsystem{redundantPair()}}
	res := EvaluateFunction(f)
	assert.Nil(t, f.Subsystems[0].LastComputedPFHd)
	assert.True(t, res.Meets)
	assert.Equal(t, SIL3, res.Achieved)
	assert.InDelta(t, 2.85e-8, res.Subsystems["logic"], 1e-15)
	assert.Empty(t, res.Warnings)
}
