package safety

import (
	"fmt"
	"iter"
	"strings"
)

// SIL is the IEC 62061 safety integrity level, 1..3.
type SIL int

const (
	SIL1 SIL = 1
	SIL2 SIL = 2
	SIL3 SIL = 3
)

func (s SIL) String() string { return fmt.Sprintf("SIL%d", int(s)) }

// DefaultBeta is the common cause factor applied when a component has none.
const DefaultBeta = 0.05

// Voting architectures understood by SubsystemPFHd.
const (
	Arch1oo1 = "1oo1"
	Arch1oo2 = "1oo2"
	Arch1oo3 = "1oo3"
	Arch2oo2 = "2oo2"
	Arch2oo3 = "2oo3"
)

type Component struct {
	ID           string   `json:"id" yaml:"id"`
	Manufacturer string   `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	PFHd         float64  `json:"pfhd" yaml:"pfhd"`
	Beta         *float64 `json:"beta,omitempty" yaml:"beta,omitempty"`
}

func (c Component) pfhd() float64 {
	if c.PFHd < 0 {
		return 0
	}
	return c.PFHd
}

func (c Component) beta() float64 {
	if c.Beta == nil {
		return DefaultBeta
	}
	return clamp01(*c.Beta)
}

type Subsystem struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	Architecture string      `json:"architecture" yaml:"architecture"`
	Components   []Component `json:"components" yaml:"components"`
	// LastComputedPFHd is written only by SubsystemPFHd for display.
	LastComputedPFHd *float64 `json:"last_computed_pfhd,omitempty" yaml:"-"`
}

type SafetyFunction struct {
	ID                  string      `json:"id" yaml:"id"`
	Name                string      `json:"name" yaml:"name" required:"false"`
	TargetSIL           SIL         `json:"target_sil" yaml:"target_sil" minimum:"1" maximum:"3"`
	Subsystems          []Subsystem `json:"subsystems" yaml:"subsystems"`
	ProofTestIntervalT1 *float64    `json:"proof_test_interval_t1,omitempty" yaml:"proof_test_interval_t1,omitempty"`
	MissionTimeT10D     *float64    `json:"mission_time_t10d,omitempty" yaml:"mission_time_t10d,omitempty"`
}

// architectureFactor returns the derating applied to the summed PFHd. An
// unknown tag, or too few components for the declared tag, is treated as a
// single channel.
func architectureFactor(arch string, n int, beta float64) float64 {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case Arch1oo2:
		if n >= 2 {
			return 0.5 * (1 - beta)
		}
	case Arch2oo3:
		if n >= 3 {
			return 0.33 * (1 - beta)
		}
	case Arch1oo3:
		if n >= 3 {
			return 0.5 * (1 - beta)
		}
	case Arch2oo2:
		if n >= 2 {
			return 0.25 * (1 - beta)
		}
	}
	return 1
}

// AverageBeta returns the mean clamped beta, DefaultBeta for no components.
func AverageBeta(components []Component) float64 {
	if len(components) == 0 {
		return DefaultBeta
	}
	var sum float64
	for _, c := range components {
		sum += c.beta()
	}
	return clamp01(sum / float64(len(components)))
}

// SubsystemPFHd computes the subsystem PFHd and records it in
// LastComputedPFHd.
func SubsystemPFHd(s *Subsystem) float64 {
	if s == nil {
		return 0
	}
	var sum float64
	for _, c := range s.Components {
		sum += c.pfhd()
	}
	pfhd := sum * architectureFactor(s.Architecture, len(s.Components), AverageBeta(s.Components))
	s.LastComputedPFHd = &pfhd
	return pfhd
}

// TotalPFHd sums the PFHd of every subsystem of the function.
func TotalPFHd(f *SafetyFunction) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for i := range f.Subsystems {
		total += SubsystemPFHd(&f.Subsystems[i])
	}
	return total
}

// AchievedSIL maps a PFHd onto a SIL. Lower PFHd is better.
func AchievedSIL(pfhd float64) SIL {
	switch {
	case pfhd < 1e-7:
		return SIL3
	case pfhd < 1e-6:
		return SIL2
	default:
		return SIL1
	}
}

// ConsistencyWarnings yields advisory findings for the function. The sequence
// is recomputed on every iteration.
func ConsistencyWarnings(f SafetyFunction) iter.Seq[string] {
	return func(yield func(string) bool) {
		if f.ProofTestIntervalT1 != nil && f.MissionTimeT10D != nil && *f.ProofTestIntervalT1 > *f.MissionTimeT10D {
			msg := fmt.Sprintf("%s: proof test interval T1 (%g h) exceeds mission time T10D (%g h)",
				functionLabel(f), *f.ProofTestIntervalT1, *f.MissionTimeT10D)
			if !yield(msg) {
				return
			}
		}
		if len(f.Subsystems) == 0 {
			if !yield(fmt.Sprintf("%s: no subsystems defined", functionLabel(f))) {
				return
			}
		}
		for _, s := range f.Subsystems {
			if len(s.Components) == 0 {
				if !yield(fmt.Sprintf("%s: subsystem %s has no components", functionLabel(f), subsystemLabel(s))) {
					return
				}
			}
		}
	}
}

// SILResult is the scored view of one safety function.
type SILResult struct {
	FunctionID string             `json:"function_id"`
	Name       string             `json:"name"`
	TotalPFHd  float64            `json:"total_pfhd"`
	Achieved   SIL                `json:"achieved_sil"`
	Target     SIL                `json:"target_sil"`
	Meets      bool               `json:"meets_target"`
	Subsystems map[string]float64 `json:"subsystem_pfhd"`
	Warnings   []string           `json:"warnings"`
}

// EvaluateFunction scores a copy of f; the caller's subsystems are not touched.
func EvaluateFunction(f SafetyFunction) SILResult {
	fn := f
	fn.Subsystems = append([]Subsystem(nil), f.Subsystems...)
	total := TotalPFHd(&fn)
	achieved := AchievedSIL(total)
	res := SILResult{
		FunctionID: fn.ID,
		Name:       fn.Name,
		TotalPFHd:  total,
		Achieved:   achieved,
		Target:     fn.TargetSIL,
		Meets:      achieved >= fn.TargetSIL,
		Subsystems: make(map[string]float64, len(fn.Subsystems)),
		Warnings:   []string{},
	}
	for _, s := range fn.Subsystems {
		if s.LastComputedPFHd != nil {
			res.Subsystems[subsystemLabel(s)] = *s.LastComputedPFHd
		}
	}
	for w := range ConsistencyWarnings(fn) {
		res.Warnings = append(res.Warnings, w)
	}
	return res
}

func functionLabel(f SafetyFunction) string {
	switch {
	case f.Name != "":
		return f.Name
	case f.ID != "":
		return f.ID
	default:
		return "safety function"
	}
}

func subsystemLabel(s Subsystem) string {
	if s.ID != "" {
		return s.ID
	}
	if s.Name != "" {
		return s.Name
	}
	return "(unnamed)"
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
