package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustvault/internal/dispute"
	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/lifecycle"
)

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Raise, resolve and inspect milestone disputes",
		Long:  "A dispute opens at level 1 between the parties. Escalating moves it to level 2, where only an arbiter (--role arbiter) can release or refund.",
	}
	d.AddCommand(disputeRaiseCmd())
	d.AddCommand(disputeResolveCmd())
	d.AddCommand(disputeReportCmd())
	return d
}

func disputeRaiseCmd() *cobra.Command {
	var in lifecycle.DisputeInput
	var reason string
	cmd := &cobra.Command{
		Use:   "raise <contract-id> <milestone-id>",
		Short: "Dispute submitted work",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Reason = domain.DisputeReason(reason)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, rep, err := e.RaiseDispute(ctx, args[0], args[1], actor, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"contract": c, "report": rep})
				}
				fmt.Printf("%s is now %s\n", c.ID, c.Status)
				printReport(rep)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "quality|incomplete|requirements|delay")
	cmd.Flags().StringVar(&in.Comments, "comments", "", "free text for the other party")
	cmd.Flags().StringArrayVar(&in.FailedCriteria, "failed", nil, "acceptance criterion that was not met (repeatable)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func disputeResolveCmd() *cobra.Command {
	var outcome, token string
	cmd := &cobra.Command{
		Use:   "resolve <contract-id> <milestone-id>",
		Short: "Release, refund or escalate a dispute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o := domain.Resolution(outcome)
			if !o.Valid() {
				return fmt.Errorf("--outcome must be release, refund or escalate")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				tok := token
				if o == domain.ResolveRelease {
					var err error
					if tok, err = authorization(ctx, e, args[0], actor, token); err != nil {
						return err
					}
				}
				c, err := e.ResolveDispute(ctx, args[0], args[1], actor, o, tok)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "release|refund|escalate")
	cmd.Flags().StringVar(&token, "authorization", "", "authorization token for release (requested from the signer when empty)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func disputeReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <contract-id> <milestone-id>",
		Short: "Score a disputed milestone against its acceptance criteria",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Report(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				printReport(rep)
				return nil
			})
		},
	}
}

func printReport(rep dispute.Report) {
	fmt.Printf("compliance %d/100  recommendation %s  confidence %s\n", rep.ComplianceScore, rep.Recommendation, rep.Confidence)
	fmt.Println(rep.Summary)
	tw := newTable()
	tw.AppendHeader(table.Row{"Criterion", "Result", "Reason"})
	for _, c := range rep.Criteria {
		tw.AppendRow(table.Row{c.Criterion, c.Result, c.Reason})
	}
	tw.Render()
}
