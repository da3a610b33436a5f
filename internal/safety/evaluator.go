package safety

import (
	"fmt"
	"strings"
)

// Standard labels used on non-conformities.
const (
	StandardISO12100 = "ISO 12100"
	StandardISO13849 = "ISO 13849-1"
	StandardIEC62061 = "IEC 62061"
	StandardGeneral  = "general"
)

type ChecklistItem struct {
	Code      string `json:"code" yaml:"code"`
	Title     string `json:"title" yaml:"title" required:"false"`
	Required  bool   `json:"required" yaml:"required" required:"false"`
	Completed bool   `json:"completed" yaml:"completed" required:"false"`
	Evidence  string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// ComplianceChecklist is the full input of one evaluation. Nil sections are
// allowed and evaluated conservatively.
type ComplianceChecklist struct {
	SystemName      string              `json:"system_name" yaml:"system_name"`
	Assessor        string              `json:"assessor,omitempty" yaml:"assessor,omitempty"`
	Date            string              `json:"date,omitempty" yaml:"date,omitempty"`
	ISO12100        *ISO12100Assessment `json:"iso12100,omitempty" yaml:"iso12100,omitempty"`
	ISO13849        *ISO13849Assessment `json:"iso13849,omitempty" yaml:"iso13849,omitempty"`
	SafetyFunctions []SafetyFunction    `json:"safety_functions,omitempty" yaml:"safety_functions,omitempty"`
	Items           []ChecklistItem     `json:"items,omitempty" yaml:"items,omitempty"`
}

type NonConformity struct {
	Standard string `json:"standard"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

type EvaluationResult struct {
	IsCompliant        bool            `json:"is_compliant"`
	Summary            string          `json:"summary"`
	Details            map[string]any  `json:"details"`
	NonConformities    []NonConformity `json:"non_conformities"`
	RecommendedActions []string        `json:"recommended_actions"`
}

// WithSummary returns a copy of r carrying an externally produced summary.
// Nothing else about the verdict changes.
func (r EvaluationResult) WithSummary(summary string) EvaluationResult {
	r.Summary = summary
	return r
}

// Evaluate scores the checklist against every standard and returns the
// verdict. It never fails: missing input is reported as a non-conformity.
func Evaluate(c ComplianceChecklist) EvaluationResult {
	res := EvaluationResult{
		Details:            map[string]any{},
		NonConformities:    []NonConformity{},
		RecommendedActions: []string{},
	}

	evaluateRisk(c.ISO12100, &res)
	evaluatePL(c.ISO13849, &res)
	evaluateSIL(c.SafetyFunctions, &res)
	evaluateItems(c.Items, &res)

	res.IsCompliant = len(res.NonConformities) == 0
	res.Summary = summarize(c.SystemName, res.NonConformities)
	return res
}

func evaluateRisk(a *ISO12100Assessment, res *EvaluationResult) {
	if a == nil {
		res.NonConformities = append(res.NonConformities, NonConformity{
			Standard: StandardISO12100,
			Code:     "risk.assessment",
			Reason:   "missing",
			Message:  "ISO 12100 risk assessment missing",
		})
		res.RecommendedActions = append(res.RecommendedActions, "Perform the ISO 12100 risk estimation for each identified hazard")
		return
	}
	if !a.Valid() {
		res.NonConformities = append(res.NonConformities, NonConformity{
			Standard: StandardISO12100,
			Code:     "risk.parameters",
			Reason:   "invalid_parameters",
			Message: fmt.Sprintf("risk parameters out of range (severity %d, frequency %d, avoidance %d; expected 1-4)",
				a.Severity, a.Frequency, a.Avoidance),
		})
		return
	}
	score, level := a.Score()
	res.Details["risk_score"] = score
	res.Details["risk_level"] = level
	if level == RiskHigh || level == RiskExtreme {
		res.RecommendedActions = append(res.RecommendedActions, level.Recommendation())
	}
}

func evaluatePL(a *ISO13849Assessment, res *EvaluationResult) {
	if a == nil {
		res.NonConformities = append(res.NonConformities, NonConformity{
			Standard: StandardISO13849,
			Code:     "pl.assessment",
			Reason:   "missing",
			Message:  "ISO 13849 assessment missing; no required PL can be shown to be met",
		})
		res.RecommendedActions = append(res.RecommendedActions, "Provide the ISO 13849-1 PL assessment for the safety functions")
		return
	}
	achieved := AchievedPL(*a)
	res.Details["achieved_pl"] = achieved
	res.Details["required_pl"] = a.RequiredPL
	res.Details["pl_score"] = PLScore(*a)
	res.Details["pl_meets_requirement"] = MeetsRequirement(*a)
	for _, sf := range Shortfalls(*a) {
		res.NonConformities = append(res.NonConformities, NonConformity{
			Standard: StandardISO13849,
			Code:     "pl." + string(sf.Reason),
			Reason:   string(sf.Reason),
			Message:  sf.Message,
		})
		res.RecommendedActions = append(res.RecommendedActions, plAction(sf.Reason))
	}
}

func plAction(r ShortfallReason) string {
	switch r {
	case ShortfallArchitecture:
		return "Improve the architecture category, component MTTFd or diagnostic coverage"
	case ShortfallValidation:
		return "Perform and document validation per ISO 13849-2"
	case ShortfallCCF:
		return "Implement additional common cause failure measures to reach a CCF score of 65"
	default:
		return ""
	}
}

func evaluateSIL(functions []SafetyFunction, res *EvaluationResult) {
	if len(functions) == 0 {
		return
	}
	results := make([]SILResult, 0, len(functions))
	warnings := []string{}
	for _, f := range functions {
		r := EvaluateFunction(f)
		results = append(results, r)
		warnings = append(warnings, r.Warnings...)
		if !r.Meets {
			res.NonConformities = append(res.NonConformities, NonConformity{
				Standard: StandardIEC62061,
				Code:     "sil." + functionLabel(f),
				Reason:   "sil_not_met",
				Message: fmt.Sprintf("%s achieves %s (PFHd %.3g/h) below target %s",
					functionLabel(f), r.Achieved, r.TotalPFHd, r.Target),
			})
			res.RecommendedActions = append(res.RecommendedActions,
				fmt.Sprintf("Reduce the PFHd of %s with redundant channels or lower-rate components", functionLabel(f)))
		}
	}
	res.Details["sil"] = results
	res.Details["sil_warnings"] = warnings
}

func evaluateItems(items []ChecklistItem, res *EvaluationResult) {
	completed := 0
	for _, it := range items {
		if it.Completed {
			completed++
			continue
		}
		if !it.Required {
			continue
		}
		title := it.Title
		if title == "" {
			title = it.Code
		}
		res.NonConformities = append(res.NonConformities, NonConformity{
			Standard: StandardGeneral,
			Code:     it.Code,
			Reason:   "incomplete",
			Message:  fmt.Sprintf("required item %s not completed", title),
		})
		res.RecommendedActions = append(res.RecommendedActions, "Complete: "+title)
	}
	res.Details["checklist_total"] = len(items)
	res.Details["checklist_completed"] = completed
}

func summarize(system string, ncs []NonConformity) string {
	if strings.TrimSpace(system) == "" {
		system = "System"
	}
	if len(ncs) == 0 {
		return fmt.Sprintf("%s: COMPLIANT - no non-conformities found.", system)
	}
	counts := map[string]int{}
	for _, nc := range ncs {
		counts[nc.Standard]++
	}
	var parts []string
	for _, std := range []string{StandardISO12100, StandardISO13849, StandardIEC62061, StandardGeneral} {
		if n := counts[std]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", std, n))
		}
	}
	noun := "non-conformities"
	if len(ncs) == 1 {
		noun = "non-conformity"
	}
	return fmt.Sprintf("%s: NOT COMPLIANT - %d %s (%s).", system, len(ncs), noun, strings.Join(parts, ", "))
}
