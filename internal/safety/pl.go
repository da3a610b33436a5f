package safety

import (
	"fmt"
	"math"
	"strings"
)

// PerformanceLevel is the ISO 13849-1 rating, ordered PLa < ... < PLe.
type PerformanceLevel string

const (
	PLa PerformanceLevel = "PLa"
	PLb PerformanceLevel = "PLb"
	PLc PerformanceLevel = "PLc"
	PLd PerformanceLevel = "PLd"
	PLe PerformanceLevel = "PLe"
)

// Rank returns the ordinal position of the level, or -1 when unknown.
func (p PerformanceLevel) Rank() int {
	switch p {
	case PLa:
		return 0
	case PLb:
		return 1
	case PLc:
		return 2
	case PLd:
		return 3
	case PLe:
		return 4
	default:
		return -1
	}
}

// ParsePL accepts "PLd", "pld" or "d".
func ParsePL(s string) (PerformanceLevel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "pl")
	switch v {
	case "a", "b", "c", "d", "e":
		return PerformanceLevel("PL" + v), nil
	}
	return "", fmt.Errorf("invalid performance level %q", s)
}

// UnmarshalText normalises any spelling ParsePL accepts. Empty stays unset.
func (p *PerformanceLevel) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*p = ""
		return nil
	}
	v, err := ParsePL(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Category is the designated architecture of ISO 13849-1.
type Category string

const (
	CategoryB Category = "B"
	Category1 Category = "1"
	Category2 Category = "2"
	Category3 Category = "3"
	Category4 Category = "4"
)

// ParseCategory accepts "B", "Cat3" or "3".
func ParseCategory(s string) (Category, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "CAT")
	v = strings.TrimSpace(v)
	switch Category(v) {
	case CategoryB, Category1, Category2, Category3, Category4:
		return Category(v), nil
	}
	return "", fmt.Errorf("invalid architecture category %q", s)
}

// UnmarshalText normalises any spelling ParseCategory accepts. Empty stays
// unset.
func (c *Category) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*c = ""
		return nil
	}
	v, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ISO13849Assessment holds the inputs for the simplified PL estimate. The
// achieved PL is always derived and never stored.
type ISO13849Assessment struct {
	RequiredPL          PerformanceLevel `json:"required_pl" yaml:"required_pl" enum:"PLa,PLb,PLc,PLd,PLe"`
	Category            Category         `json:"category" yaml:"category" enum:"B,1,2,3,4"`
	DCavg               float64          `json:"dc_avg" yaml:"dc_avg" minimum:"0" maximum:"1"`
	MTTFd               float64          `json:"mttfd_hours" yaml:"mttfd_hours" minimum:"0"`
	CCFScore            int              `json:"ccf_score" yaml:"ccf_score"`
	ValidationPerformed bool             `json:"validation_performed" yaml:"validation_performed"`
}

// CCFThreshold is the minimum common cause failure score.
const CCFThreshold = 65

type Class string

const (
	ClassLow    Class = "Low"
	ClassMedium Class = "Medium"
	ClassHigh   Class = "High"
)

func (c Class) score() int {
	switch c {
	case ClassMedium:
		return 1
	case ClassHigh:
		return 2
	default:
		return 0
	}
}

// MTTFdClass buckets MTTFd hours. NaN counts as Low.
func MTTFdClass(hours float64) Class {
	switch {
	case math.IsNaN(hours), hours < 3e6:
		return ClassLow
	case hours < 10e6:
		return ClassMedium
	default:
		return ClassHigh
	}
}

// DCClass buckets the average diagnostic coverage. NaN counts as Low.
func DCClass(dc float64) Class {
	switch {
	case math.IsNaN(dc), dc < 0.6:
		return ClassLow
	case dc < 0.99:
		return ClassMedium
	default:
		return ClassHigh
	}
}

func categoryScore(c Category) int {
	switch c {
	case Category2:
		return 1
	case Category3:
		return 2
	case Category4:
		return 3
	default:
		return 0
	}
}

func ccfBonus(score int) int {
	if score >= CCFThreshold {
		return 1
	}
	return 0
}

// PLFromScore maps a contribution total onto a PL. The formula never yields
// PLa; PLa only appears as a required level.
func PLFromScore(total int) PerformanceLevel {
	switch {
	case total <= 2:
		return PLb
	case total == 3:
		return PLc
	case total == 4:
		return PLd
	default:
		return PLe
	}
}

// PLScore sums the MTTFd, DC, category and CCF contributions.
func PLScore(a ISO13849Assessment) int {
	return MTTFdClass(a.MTTFd).score() + DCClass(a.DCavg).score() + categoryScore(a.Category) + ccfBonus(a.CCFScore)
}

// AchievedPL computes the PL reached by the assessed design.
func AchievedPL(a ISO13849Assessment) PerformanceLevel {
	return PLFromScore(PLScore(a))
}

// ShortfallReason identifies which condition of MeetsRequirement failed.
type ShortfallReason string

const (
	ShortfallArchitecture ShortfallReason = "architecture"
	ShortfallValidation   ShortfallReason = "validation"
	ShortfallCCF          ShortfallReason = "ccf"
)

type PLShortfall struct {
	Reason  ShortfallReason `json:"reason"`
	Message string          `json:"message"`
}

// Shortfalls lists every unmet condition; empty means the requirement is met.
func Shortfalls(a ISO13849Assessment) []PLShortfall {
	var out []PLShortfall
	achieved := AchievedPL(a)
	if achieved.Rank() < a.RequiredPL.Rank() || a.RequiredPL.Rank() < 0 {
		out = append(out, PLShortfall{
			Reason: ShortfallArchitecture,
			Message: fmt.Sprintf("achieved %s below required %s: architecture, MTTFd or DC insufficient (MTTFd %s, DC %s, category %s)",
				achieved, requiredLabel(a.RequiredPL), MTTFdClass(a.MTTFd), DCClass(a.DCavg), categoryLabel(a.Category)),
		})
	}
	if !a.ValidationPerformed {
		out = append(out, PLShortfall{Reason: ShortfallValidation, Message: "validation not performed"})
	}
	if a.CCFScore < CCFThreshold {
		out = append(out, PLShortfall{
			Reason:  ShortfallCCF,
			Message: fmt.Sprintf("CCF score %d below %d", a.CCFScore, CCFThreshold),
		})
	}
	return out
}

// MeetsRequirement holds iff the achieved PL reaches the required PL,
// validation was performed and the CCF score reaches the threshold.
func MeetsRequirement(a ISO13849Assessment) bool {
	return AchievedPL(a).Rank() >= a.RequiredPL.Rank() &&
		a.RequiredPL.Rank() >= 0 &&
		a.ValidationPerformed &&
		a.CCFScore >= CCFThreshold
}

func requiredLabel(p PerformanceLevel) string {
	if p == "" {
		return "(unset)"
	}
	return string(p)
}

func categoryLabel(c Category) string {
	if c == "" {
		return "B"
	}
	return string(c)
}
