package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"trustvault/internal/domain"
	"trustvault/internal/engine"
)

func milestoneCmd() *cobra.Command {
	m := &cobra.Command{Use: "milestone", Short: "Draft terms and move milestones through escrow"}
	m.AddCommand(milestoneAddCmd())
	m.AddCommand(milestoneEditCmd())
	m.AddCommand(milestoneFundCmd())
	m.AddCommand(milestoneStartCmd())
	m.AddCommand(milestoneSubmitCmd())
	m.AddCommand(milestoneApproveCmd())
	return m
}

type termsFlags struct {
	spec         domain.MilestoneSpec
	deliverables []string
}

func (t *termsFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.spec.Title, "title", "", "milestone title")
	cmd.Flags().StringVar(&t.spec.Description, "description", "", "what the milestone covers")
	cmd.Flags().Int64Var(&t.spec.Amount, "amount", 0, "amount in whole rupees")
	cmd.Flags().StringVar(&t.spec.Deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&t.deliverables, "deliverable", nil, "deliverable as [type:]description, type file|link|any (repeatable)")
	cmd.Flags().StringArrayVar(&t.spec.AcceptanceCriteria, "criterion", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&t.spec.OutOfScope, "out-of-scope", nil, "excluded work (repeatable)")
}

func (t *termsFlags) build() domain.MilestoneSpec {
	s := t.spec
	s.Deliverables = nil
	for _, raw := range t.deliverables {
		d := domain.Deliverable{Description: raw}
		if kind, desc, ok := strings.Cut(raw, ":"); ok {
			switch domain.DeliverableType(kind) {
			case domain.DeliverableFile, domain.DeliverableLink, domain.DeliverableAny:
				d.Type, d.Description = domain.DeliverableType(kind), strings.TrimSpace(desc)
			}
		}
		s.Deliverables = append(s.Deliverables, d)
	}
	return s
}

func milestoneAddCmd() *cobra.Command {
	var terms termsFlags
	cmd := &cobra.Command{
		Use:   "add <contract-id>",
		Short: "Add a milestone to a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.AddMilestone(ctx, args[0], actor, terms.build())
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	terms.bind(cmd)
	return cmd
}

func milestoneEditCmd() *cobra.Command {
	var terms termsFlags
	cmd := &cobra.Command{
		Use:   "edit <contract-id> <milestone-id>",
		Short: "Replace the terms of a draft milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.EditMilestone(ctx, args[0], args[1], actor, terms.build())
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	terms.bind(cmd)
	return cmd
}

func milestoneFundCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "fund <contract-id> <milestone-id>",
		Short: "Deposit the milestone amount into escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				tok, err := authorization(ctx, e, args[0], actor, token)
				if err != nil {
					return err
				}
				c, err := e.FundMilestone(ctx, args[0], args[1], actor, tok)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVar(&token, "authorization", "", "authorization token (requested from the signer when empty)")
	return cmd
}

func milestoneStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <contract-id> <milestone-id>",
		Short: "Start work on a funded milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.StartWork(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
}

func milestoneSubmitCmd() *cobra.Command {
	var evidence map[string]string
	cmd := &cobra.Command{
		Use:   "submit <contract-id> <milestone-id>",
		Short: "Submit evidence for every deliverable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.SubmitWork(ctx, args[0], args[1], actor, evidence)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringToStringVar(&evidence, "evidence", nil, "deliverable-id=evidence (repeatable)")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "approve <contract-id> <milestone-id>",
		Short: "Approve submitted work and release escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				tok, err := authorization(ctx, e, args[0], actor, token)
				if err != nil {
					return err
				}
				c, err := e.ApproveMilestone(ctx, args[0], args[1], actor, tok)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVar(&token, "authorization", "", "authorization token (requested from the signer when empty)")
	return cmd
}
