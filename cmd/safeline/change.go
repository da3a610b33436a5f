package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safeline/internal/change"
	"safeline/internal/engine"
	"safeline/internal/repo"
)

func changeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change",
		Short: "Govern changes to safety-relevant artifacts",
		Long: `A change request moves Draft -> Submitted -> Approved -> Implemented, or is Rejected.
Dual-review changes pass through UnderReview and need a second, independent approval.`,
	}
	cmd.AddCommand(changeCreateCmd())
	cmd.AddCommand(changeListCmd())
	cmd.AddCommand(changeShowCmd())
	cmd.AddCommand(changeSubmitCmd())
	cmd.AddCommand(changeApproveCmd())
	cmd.AddCommand(changeRejectCmd())
	cmd.AddCommand(changeImplementCmd())
	cmd.AddCommand(changeReplayCmd())
	return cmd
}

func changeCreateCmd() *cobra.Command {
	var opts engine.ChangeCreateOptions
	var typ, priority string
	var dual, single bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a Draft change request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dual && single {
				return fmt.Errorf("--dual-review and --single-review are exclusive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				opts.Type = change.Type(typ)
				opts.Priority = change.Priority(priority)
				opts.ActorID = actorID()
				switch {
				case dual:
					opts.DualReview = &dual
				case single:
					v := false
					opts.DualReview = &v
				}
				c, err := e.CreateChange(ctx, opts)
				if err != nil {
					return err
				}
				return printChange(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "change id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", string(change.TypeOther), "SRSUpdate, FunctionModify, ComponentChange, ParameterAdjust, EvidenceUpdate or Other")
	cmd.Flags().StringVar(&priority, "priority", string(change.PriorityMedium), "Low, Medium, High or Critical")
	cmd.Flags().StringVar(&opts.AffectedResource, "affected", "", "affected artifact")
	cmd.Flags().StringVar(&opts.ImpactAnalysis, "impact", "", "impact analysis")
	cmd.Flags().StringVar(&opts.VersionBefore, "version-before", "", "artifact version before the change")
	cmd.Flags().StringVar(&opts.VersionAfter, "version-after", "", "artifact version after the change")
	cmd.Flags().BoolVar(&dual, "dual-review", false, "require two approvals")
	cmd.Flags().BoolVar(&single, "single-review", false, "require one approval")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func changeListCmd() *cobra.Command {
	var status, typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChanges(ctx, repo.ChangeFilters{
					ProjectID: e.Config.Project.ID, Status: status, Type: typ, Limit: limit,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.Title, c.Type, c.Priority, c.Status, c.IsDualReviewRequired})
				}
				return printRows(items, table.Row{"ID", "Title", "Type", "Priority", "Status", "Dual"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func printChange(c change.ChangeRequest) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("%s  %s\n  type %s, priority %s, status %s, dual review %t\n", c.ID, c.Title, c.Type, c.Priority, c.Status, c.IsDualReviewRequired)
	if len(c.Events) == 0 {
		return nil
	}
	rows := make([]table.Row, 0, len(c.Events))
	for _, ev := range c.Events {
		rows = append(rows, table.Row{ev.Timestamp.Format("2006-01-02 15:04:05"), ev.User, ev.Action, ev.Description})
	}
	return printRows(c, table.Row{"Time", "User", "Action", "Description"}, rows)
}

func changeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a change request and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetChange(ctx, args[0])
				if err != nil {
					return err
				}
				return printChange(c)
			})
		},
	}
}

// transitionCmd builds a command that runs one state machine action.
func transitionCmd(use, short string, run func(ctx context.Context, e engine.Engine, id string) (change.ChangeRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := run(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printChange(c)
			})
		},
	}
}

func changeSubmitCmd() *cobra.Command {
	return transitionCmd("submit", "Submit a draft for review", func(ctx context.Context, e engine.Engine, id string) (change.ChangeRequest, error) {
		return e.SubmitChange(ctx, id, actorID())
	})
}

func changeApproveCmd() *cobra.Command {
	var comment string
	var second bool
	cmd := transitionCmd("approve", "Record a review approval", func(ctx context.Context, e engine.Engine, id string) (change.ChangeRequest, error) {
		return e.ApproveChange(ctx, id, actorID(), comment, !second)
	})
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	cmd.Flags().BoolVar(&second, "second", false, "record the second review of a dual-review change")
	return cmd
}

func changeRejectCmd() *cobra.Command {
	var reason string
	cmd := transitionCmd("reject", "Reject a change under review", func(ctx context.Context, e engine.Engine, id string) (change.ChangeRequest, error) {
		return e.RejectChange(ctx, id, actorID(), reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func changeImplementCmd() *cobra.Command {
	return transitionCmd("implement", "Mark an approved change as implemented", func(ctx context.Context, e engine.Engine, id string) (change.ChangeRequest, error) {
		return e.ImplementChange(ctx, id, actorID())
	})
}

func changeReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Rebuild a change from its event log and compare with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ReplayChange(ctx, args[0])
				if viper.GetBool("json") {
					msg := ""
					if err != nil {
						msg = err.Error()
					}
					return printJSON(map[string]any{"id": args[0], "consistent": err == nil, "status": c.Status, "events": len(c.Events), "error": msg})
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d events replay to %s, matches stored state\n", c.ID, len(c.Events), c.Status)
				return nil
			})
		},
	}
}
