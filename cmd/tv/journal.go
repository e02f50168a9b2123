package main

import (
	"context"
	"encoding/json"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/notify"
	"trustvault/internal/render"
)

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <contract-id>",
		Short: "Show the escrow ledger of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Ledger(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(entries))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Milestone", "Kind", "Amount", "Balance", "Actor"})
				for _, l := range entries {
					tw.AppendRow(table.Row{l.ID, l.TS, l.MilestoneID, l.Kind, render.Amount(l.Amount), render.Amount(l.BalanceAfter), l.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "Every committed transition appends events: proposals, funding, submissions, disputes and resolutions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var contractID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var events []domain.Event
				var err error
				switch {
				case contractID != "":
					events, err = e.Events(ctx, contractID)
				case after > 0:
					events, err = e.EventsAfter(ctx, after, n)
				default:
					var latest int64
					if latest, err = notify.LatestCursor(ctx, e.Journal); err == nil {
						events, err = e.EventsAfter(ctx, max(latest-int64(n), 0), n)
					}
				}
				if err != nil {
					return err
				}
				if len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(events))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Contract", "Milestone", "Actor", "Payload"})
				for _, evt := range events {
					payload := ""
					if len(evt.Payload) > 0 {
						b, _ := json.Marshal(evt.Payload)
						payload = string(b)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ContractID, evt.MilestoneID, evt.ActorID, payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "events after this id, oldest first")
	cmd.Flags().StringVar(&contractID, "contract", "", "events of one contract")
	return cmd
}
