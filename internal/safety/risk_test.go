package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskScoreIsProduct(t *testing.T) {
	for s := 1; s <= 4; s++ {
		for f := 1; f <= 4; f++ {
			for a := 1; a <= 4; a++ {
				assert.Equal(t, s*f*a, RiskScore(Severity(s), Frequency(f), Avoidance(a)))
			}
		}
	}
}

func TestRiskLevelBands(t *testing.T) {
	cases := map[int]RiskLevel{
		1: RiskLow, 6: RiskLow,
		7: RiskMedium, 24: RiskMedium,
		25: RiskHigh, 36: RiskHigh,
		37: RiskExtreme, 64: RiskExtreme,
	}
	for score, want := range cases {
		assert.Equal(t, want, RiskLevelFor(score), "score %d", score)
	}
}

func TestRiskLevelMonotone(t *testing.T) {
	prev := RiskLevelFor(1).rank()
	for score := 2; score <= 64; score++ {
		cur := RiskLevelFor(score).rank()
		assert.GreaterOrEqual(t, cur, prev, "score %d", score)
		prev = cur
	}
}

func TestISO12100Valid(t *testing.T) {
	assert.True(t, ISO12100Assessment{Severity: 4, Frequency: 1, Avoidance: 2}.Valid())
	assert.False(t, ISO12100Assessment{Severity: 0, Frequency: 1, Avoidance: 2}.Valid())
	assert.False(t, ISO12100Assessment{Severity: 1, Frequency: 5, Avoidance: 2}.Valid())
}
