// Package safety scores machinery designs against ISO 12100, ISO 13849-1 and
// IEC 62061. Everything in this package is a pure function over value types
// and is safe for concurrent use.
package safety

// Severity, Frequency and Avoidance are the ISO 12100 risk parameters, each
// an ordinal from 1 (least) to 4 (worst).
type (
	Severity  int
	Frequency int
	Avoidance int
)

// ISO12100Assessment holds the risk-estimation inputs for one hazard.
type ISO12100Assessment struct {
	Hazard    string    `json:"hazard,omitempty" yaml:"hazard,omitempty"`
	Severity  Severity  `json:"severity" yaml:"severity" minimum:"1" maximum:"4"`
	Frequency Frequency `json:"frequency" yaml:"frequency" minimum:"1" maximum:"4"`
	Avoidance Avoidance `json:"avoidance" yaml:"avoidance" minimum:"1" maximum:"4"`
}

// Valid reports whether every parameter is within 1..4.
func (a ISO12100Assessment) Valid() bool {
	return inOrdinalRange(int(a.Severity)) && inOrdinalRange(int(a.Frequency)) && inOrdinalRange(int(a.Avoidance))
}

func inOrdinalRange(v int) bool { return v >= 1 && v <= 4 }

type RiskLevel string

const (
	RiskLow     RiskLevel = "Low"
	RiskMedium  RiskLevel = "Medium"
	RiskHigh    RiskLevel = "High"
	RiskExtreme RiskLevel = "Extreme"
)

// RiskScore multiplies the three ordinals.
func RiskScore(s Severity, f Frequency, a Avoidance) int {
	return int(s) * int(f) * int(a)
}

// RiskLevelFor maps a score onto the fixed risk bands.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score <= 6:
		return RiskLow
	case score <= 24:
		return RiskMedium
	case score <= 36:
		return RiskHigh
	default:
		return RiskExtreme
	}
}

// Score returns the score and level for the assessment.
func (a ISO12100Assessment) Score() (int, RiskLevel) {
	score := RiskScore(a.Severity, a.Frequency, a.Avoidance)
	return score, RiskLevelFor(score)
}

// Recommendation returns the risk reduction step expected at this level.
func (l RiskLevel) Recommendation() string {
	switch l {
	case RiskLow:
		return "Risk acceptable; document residual risk in the information for use"
	case RiskMedium:
		return "Apply complementary protective measures and warnings"
	case RiskHigh:
		return "Add safeguarding; the protective function requires a safety-related control system"
	case RiskExtreme:
		return "Eliminate the hazard by inherently safe design before relying on safeguards"
	default:
		return ""
	}
}

func (l RiskLevel) rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskExtreme:
		return 3
	default:
		return -1
	}
}
