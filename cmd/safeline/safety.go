package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"safeline/internal/domain"
	"safeline/internal/engine"
	"safeline/internal/repo"
	"safeline/internal/safety"
)

func riskCmd() *cobra.Command {
	var hazard string
	var s, f, a int
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Score a hazard on the ISO 12100 risk matrix",
		Long:  "Severity, frequency and avoidance are ordinals from 1 to 4. The score is their product.",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := safety.ISO12100Assessment{Hazard: hazard, Severity: safety.Severity(s), Frequency: safety.Frequency(f), Avoidance: safety.Avoidance(a)}
			if !in.Valid() {
				return fmt.Errorf("severity, frequency and avoidance must be between 1 and 4")
			}
			score, level := in.Score()
			out := map[string]any{"hazard": hazard, "score": score, "level": level, "recommendation": level.Recommendation()}
			return printRows(out, table.Row{"Hazard", "Score", "Level", "Recommendation"},
				[]table.Row{{hazard, score, level, level.Recommendation()}})
		},
	}
	cmd.Flags().StringVar(&hazard, "hazard", "", "hazard description")
	cmd.Flags().IntVar(&s, "severity", 0, "severity 1-4")
	cmd.Flags().IntVar(&f, "frequency", 0, "frequency of exposure 1-4")
	cmd.Flags().IntVar(&a, "avoidance", 0, "possibility of avoidance 1-4 (4 = hardly possible)")
	for _, name := range []string{"severity", "frequency", "avoidance"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func plCmd() *cobra.Command {
	var required, category string
	var dc, mttfd float64
	var ccf int
	var validated bool
	cmd := &cobra.Command{
		Use:   "pl",
		Short: "Estimate the ISO 13849-1 performance level",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := safety.ParsePL(required)
			if err != nil {
				return err
			}
			cat, err := safety.ParseCategory(category)
			if err != nil {
				return err
			}
			a := safety.ISO13849Assessment{RequiredPL: req, Category: cat, DCavg: dc, MTTFd: mttfd, CCFScore: ccf, ValidationPerformed: validated}
			achieved := safety.AchievedPL(a)
			shortfalls := safety.Shortfalls(a)
			meets := safety.MeetsRequirement(a)
			out := map[string]any{
				"required_pl":       req,
				"achieved_pl":       achieved,
				"score":             safety.PLScore(a),
				"mttfd_class":       safety.MTTFdClass(mttfd),
				"dc_class":          safety.DCClass(dc),
				"meets_requirement": meets,
				"shortfalls":        shortfalls,
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if err := printRows(out, table.Row{"Required", "Achieved", "Score", "MTTFd", "DCavg", "Meets"},
				[]table.Row{{req, achieved, safety.PLScore(a), safety.MTTFdClass(mttfd), safety.DCClass(dc), meets}}); err != nil {
				return err
			}
			for _, sf := range shortfalls {
				fmt.Printf("- %s: %s\n", sf.Reason, sf.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&required, "required", "", "required PL (PLa..PLe or a..e)")
	cmd.Flags().StringVar(&category, "category", "", "architecture category (B, 1-4)")
	cmd.Flags().Float64Var(&dc, "dc", 0, "average diagnostic coverage 0..1")
	cmd.Flags().Float64Var(&mttfd, "mttfd", 0, "MTTFd in hours")
	cmd.Flags().IntVar(&ccf, "ccf", 0, "common cause failure score")
	cmd.Flags().BoolVar(&validated, "validated", false, "validation per ISO 13849-2 performed")
	_ = cmd.MarkFlagRequired("required")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

// readYAML decodes a YAML (or JSON) file into v.
func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func silCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "sil",
		Short: "Compute PFHd and achieved SIL of a safety function (IEC 62061)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fn safety.SafetyFunction
			if err := readYAML(filePath, &fn); err != nil {
				return err
			}
			res := safety.EvaluateFunction(fn)
			if viper.GetBool("json") {
				return printJSON(res)
			}
			rows := make([]table.Row, 0, len(res.Subsystems))
			for _, s := range fn.Subsystems {
				label := s.ID
				if label == "" {
					label = s.Name
				}
				rows = append(rows, table.Row{label, s.Architecture, len(s.Components), fmt.Sprintf("%.3g", res.Subsystems[label])})
			}
			if err := printRows(res, table.Row{"Subsystem", "Architecture", "Components", "PFHd"}, rows); err != nil {
				return err
			}
			fmt.Printf("%s: PFHd %.3g/h, achieved %s, target %s, meets target: %t\n", res.Name, res.TotalPFHd, res.Achieved, res.Target, res.Meets)
			for _, w := range res.Warnings {
				fmt.Println("warning:", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "safety function YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func evaluateCmd() *cobra.Command {
	var filePath, id string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a compliance checklist and store the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			var checklist safety.ComplianceChecklist
			if err := readYAML(filePath, &checklist); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Evaluate(ctx, engine.EvaluateOptions{
					ID: id, ProjectID: e.Config.Project.ID, Checklist: checklist, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "checklist YAML")
	cmd.Flags().StringVar(&id, "id", "", "assessment id (generated when empty)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printAssessment(a domain.Assessment) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("%s (%s)\n%s\n", a.ID, a.SummarySource, a.Result.Summary)
	if len(a.Result.NonConformities) > 0 {
		rows := make([]table.Row, 0, len(a.Result.NonConformities))
		for _, nc := range a.Result.NonConformities {
			rows = append(rows, table.Row{nc.Standard, nc.Code, nc.Reason, nc.Message})
		}
		if err := printRows(a, table.Row{"Standard", "Code", "Reason", "Message"}, rows); err != nil {
			return err
		}
	}
	for _, action := range a.Result.RecommendedActions {
		fmt.Println("->", action)
	}
	return nil
}

func assessmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assessment", Short: "Inspect stored assessments"}
	cmd.AddCommand(assessmentListCmd())
	cmd.AddCommand(assessmentShowCmd())
	cmd.AddCommand(assessmentSummaryCmd())
	return cmd
}

func assessmentListCmd() *cobra.Command {
	var limit int
	var compliant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.AssessmentFilters{ProjectID: e.Config.Project.ID, Limit: limit}
				switch compliant {
				case "":
				case "true", "false":
					v := compliant == "true"
					f.Compliant = &v
				default:
					return fmt.Errorf("--compliant must be true or false")
				}
				items, err := e.ListAssessments(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.SystemName, a.Result.IsCompliant, len(a.Result.NonConformities), a.CreatedAt})
				}
				return printRows(items, table.Row{"ID", "System", "Compliant", "Non-conformities", "Created"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&compliant, "compliant", "", "filter by verdict (true|false)")
	return cmd
}

func assessmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAssessment(ctx, args[0])
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
}

func assessmentSummaryCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Replace the summary of an assessment",
		Long:  "Stores an externally written summary. Pass an empty --text to restore the generated one. The verdict never changes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAssessmentSummary(ctx, args[0], text, actorID())
				if err != nil {
					return err
				}
				return printAssessment(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "summary text")
	return cmd
}
