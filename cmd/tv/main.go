package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustvault/internal/app"
	"trustvault/internal/db"
	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/engine/auth"
	"trustvault/internal/render"
)

var rootCmd = &cobra.Command{
	Use:   "tv",
	Short: "TrustVault CLI",
	Long: `TrustVault runs milestone escrow contracts between a client and a freelancer.
Core concepts:
- Contract: an agreement that moves draft -> pending/invited -> active -> completed, or ends rejected.
- Milestone: a unit of work with an amount, deadline, deliverables and acceptance criteria.
- Escrow: funds the client holds per milestone; approving releases them, refunds return them.
- Dispute: the client contests submitted work; a compliance report scores it and the parties,
  or an arbiter after escalation, release or refund.
- Authorization: fund, accept and release need a token (see 'tv authorize').
- Journal: every change appends events and ledger entries (see 'tv log tail', 'tv ledger').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogger(viper.GetString("log-level"), false); err != nil {
			return err
		}
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRUSTVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting party or arbiter id")
	rootCmd.PersistentFlags().String("role", "", "act as this role (arbiter); parties are derived from the contract")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("signing-secret", "", "secret for authorization tokens")
	for _, name := range []string{"workspace", "json", "actor", "role", "log-level", "signing-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(modifyCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func setupLogger(level string, asJSON bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace:     viper.GetString("workspace"),
		Log:           slog.Default(),
		SigningSecret: viper.GetString("signing-secret"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func currentActor() (domain.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor"))
	if id == "" {
		return domain.Actor{}, errors.New("--actor (or TRUSTVAULT_ACTOR) is required")
	}
	return domain.Actor{ID: id, Role: domain.Role(viper.GetString("role"))}, nil
}

// withActor runs fn with the engine and the acting identity.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, domain.Actor) error) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, actor)
	})
}

// authorization returns the explicit token, or asks the signer for one.
// A declined request yields an empty token so the engine reports what
// needed authorizing.
func authorization(ctx context.Context, e engine.Engine, contractID string, actor domain.Actor, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	token, err := e.Authorize(ctx, contractID, actor)
	if errors.Is(err, auth.ErrDeclined) {
		return "", nil
	}
	return token, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

// printContract renders a contract summary and its milestones.
func printContract(c domain.Contract) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("%s  %s\n", c.ID, c.Title)
	fmt.Printf("status %s  client %s  freelancer %s  revision %d\n", c.Status, c.ClientID, c.FreelancerID, c.Revision)
	fmt.Printf("total %s  escrow %s\n", render.Amount(c.TotalValue), render.Amount(c.EscrowBalance))
	if c.SupersedesID != "" {
		fmt.Printf("supersedes %s\n", c.SupersedesID)
	}
	if len(c.Milestones) == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Amount", "Deadline", "Status", "Quality", "Dispute"})
	for _, m := range c.Milestones {
		disputed := ""
		if m.Dispute != nil {
			disputed = fmt.Sprintf("%s (level %d)", m.Dispute.Reason, m.Dispute.Level)
			if m.Dispute.ComplianceScore != nil {
				disputed += fmt.Sprintf(" score %d", *m.Dispute.ComplianceScore)
			}
		}
		tw.AppendRow(table.Row{m.ID, m.Title, render.Amount(m.Amount), m.Deadline, m.Status, fmt.Sprintf("%d%%", domain.MilestoneQuality(m)), disputed})
	}
	tw.Render()
	return nil
}
