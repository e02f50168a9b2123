package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustvault/internal/app"
	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/render"
	"trustvault/internal/repo"
)

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Create and inspect contracts"}
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractAgreementCmd())
	return c
}

func contractCreateCmd() *cobra.Command {
	var title, counterparty, as string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a draft contract with a counterparty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				actor.Role = domain.Role(as)
				c, err := e.CreateDraft(ctx, title, actor, counterparty)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "contract title")
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "the other party's id")
	cmd.Flags().StringVar(&as, "as", "client", "your role on the contract (client|freelancer)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("counterparty")
	return cmd
}

func contractListCmd() *cobra.Command {
	var f repo.Filter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Status = domain.ContractStatus(status)
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Client", "Freelancer", "Total", "Escrow"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.ClientID, c.FreelancerID, render.Amount(c.TotalValue), render.Amount(c.EscrowBalance)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PartyID, "party", "", "only contracts this party belongs to")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SupersedesID, "supersedes", "", "counter-proposals of this contract")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract and its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
}

func contractAgreementCmd() *cobra.Command {
	var fingerprint bool
	cmd := &cobra.Command{
		Use:   "agreement <contract-id>",
		Short: "Render the signed agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if fingerprint {
					fp, err := render.Fingerprint(c)
					if err != nil {
						return err
					}
					fmt.Println(fp)
					return nil
				}
				return render.Agreement(os.Stdout, c)
			})
		},
	}
	cmd.Flags().BoolVar(&fingerprint, "fingerprint", false, "print only the snapshot fingerprint")
	return cmd
}

func proposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "propose <contract-id>",
		Short: "Send a draft to the counterparty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.SubmitProposal(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
}

func respondCmd() *cobra.Command {
	var decision, token string
	cmd := &cobra.Command{
		Use:   "respond <contract-id>",
		Short: "Accept, reject or propose changes to a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Decision(decision)
			if !d.Valid() {
				return fmt.Errorf("--decision must be accept, reject or propose-changes")
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				tok := token
				if d == domain.DecisionAccept {
					var err error
					if tok, err = authorization(ctx, e, args[0], actor, token); err != nil {
						return err
					}
				}
				c, err := e.Respond(ctx, args[0], actor, d, tok)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "accept|reject|propose-changes")
	cmd.Flags().StringVar(&token, "authorization", "", "authorization token (requested from the signer when empty)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func modifyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "modify <contract-id>",
		Short: "Counter-propose new milestone terms from a YAML file",
		Long:  "The file holds 'milestones:' in the same layout as the demo fixtures. The original proposal is left as it is and a new draft is created.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			specs, err := app.ParseMilestoneSpecs(data)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.ModifyProposal(ctx, args[0], actor, specs)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "milestones YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func refundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <contract-id>",
		Short: "Refund every held milestone and close the contract (arbiter)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.RefundContract(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
}

func actionsCmd() *cobra.Command {
	var milestoneID string
	cmd := &cobra.Command{
		Use:   "actions <contract-id>",
		Short: "List what you may do now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				actions, err := e.AllowedActions(ctx, args[0], milestoneID, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				if len(actions) == 0 {
					fmt.Println("no actions available")
					return nil
				}
				names := make([]string, 0, len(actions))
				for _, a := range actions {
					names = append(names, string(a))
				}
				fmt.Println(strings.Join(names, "\n"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone id")
	return cmd
}

func authorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <contract-id>",
		Short: "Request an authorization token for fund, accept or release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				token, err := e.Authorize(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			fixtures, err := app.DemoFixtures()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := app.Seed(ctx, e, fixtures)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"created": nonNil(created)})
				}
				fmt.Printf("seeded %d of %d demo contracts\n", len(created), len(fixtures))
				for _, id := range created {
					fmt.Println(" ", id)
				}
				return nil
			})
		},
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
