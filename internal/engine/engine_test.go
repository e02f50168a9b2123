package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"trustvault/internal/config"
	"trustvault/internal/db"
	"trustvault/internal/dispute"
	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/engine/auth"
	"trustvault/internal/lifecycle"
	"trustvault/internal/migrate"
	"trustvault/internal/repo"
)

var (
	client     = domain.Actor{ID: "rajesh", Role: domain.RoleClient}
	freelancer = domain.Actor{ID: "ankit", Role: domain.RoleFreelancer}
	arbiter    = domain.Actor{ID: "ops", Role: domain.RoleArbiter}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Arbiters = []string{"ops"}
	eng := engine.New(repo.New(conn), cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	var seq atomic.Int32
	eng.NewID = func(time.Time) string { return fmt.Sprintf("CNT-2024-%04d", seq.Add(1)) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func spec(title string, amount int64) domain.MilestoneSpec {
	return domain.MilestoneSpec{
		Title:    title,
		Amount:   amount,
		Deadline: "2024-04-01",
		Deliverables: []domain.Deliverable{
			{ID: "design", Description: "Figma file", Type: domain.DeliverableLink},
			{ID: "code", Description: "Repository", Type: domain.DeliverableLink},
		},
		AcceptanceCriteria: []string{"Responsive", "Accessible"},
	}
}

var evidence = map[string]string{"design": "https://figma.com/x", "code": "https://github.com/x"}

// activeContract drives a freelancer proposal through client acceptance.
func activeContract(t *testing.T, env testEnv, amounts ...int64) domain.Contract {
	t.Helper()
	c, err := env.Engine.CreateDraft(env.Ctx, "Website redesign", freelancer, client.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, a := range amounts {
		if c, err = env.Engine.AddMilestone(env.Ctx, c.ID, freelancer, spec(fmt.Sprintf("Phase %d", i+1), a)); err != nil {
			t.Fatalf("add milestone: %v", err)
		}
	}
	if c, err = env.Engine.SubmitProposal(env.Ctx, c.ID, freelancer); err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	if c.Status != domain.ContractPending {
		t.Fatalf("expected pending, got %s", c.Status)
	}
	if c, err = env.Engine.Respond(env.Ctx, c.ID, client, domain.DecisionAccept, "token"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c
}

func TestHappyPathCompletesAndJournals(t *testing.T) {
	env := newTestEnv(t)
	c := activeContract(t, env, 30000)
	if c.Status != domain.ContractActive || c.EscrowBalance != 0 || c.TotalValue != 30000 {
		t.Fatalf("after accept: %s escrow=%d total=%d", c.Status, c.EscrowBalance, c.TotalValue)
	}
	var err error
	if c, err = env.Engine.FundMilestone(env.Ctx, c.ID, "m1", client, "token"); err != nil || c.EscrowBalance != 30000 {
		t.Fatalf("fund: %v escrow=%d", err, c.EscrowBalance)
	}
	if c, err = env.Engine.StartWork(env.Ctx, c.ID, "m1", freelancer); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c, err = env.Engine.SubmitWork(env.Ctx, c.ID, "m1", freelancer, evidence); err != nil {
		t.Fatalf("submit work: %v", err)
	}
	if c, err = env.Engine.ApproveMilestone(env.Ctx, c.ID, "m1", client, "token"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.Status != domain.ContractCompleted || c.EscrowBalance != 0 || c.Milestones[0].Status != domain.MilestonePaid {
		t.Fatalf("not completed: %+v", c)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, c.ID, "m1", client, "token"); err == nil {
		t.Fatalf("second approve must fail")
	}

	ledger, err := env.Engine.Ledger(env.Ctx, c.ID)
	if err != nil || len(ledger) != 2 {
		t.Fatalf("ledger: %v %+v", err, ledger)
	}
	if ledger[0].Kind != domain.LedgerHold || ledger[1].Kind != domain.LedgerRelease || ledger[1].BalanceAfter != 0 {
		t.Fatalf("ledger rows %+v", ledger)
	}
	evts, err := env.Engine.Events(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if last := evts[len(evts)-1]; last.Type != "contract.completed" {
		t.Fatalf("last event %s", last.Type)
	}
	tail, err := env.Engine.EventsAfter(env.Ctx, evts[len(evts)-2].ID, 10)
	if err != nil || len(tail) != 1 {
		t.Fatalf("events after: %v %d", err, len(tail))
	}
}

func TestErrorsLeaveStoreUntouched(t *testing.T) {
	env := newTestEnv(t)
	c := activeContract(t, env, 30000, 80000)
	rev := c.Revision

	_, err := env.Engine.FundMilestone(env.Ctx, c.ID, "m1", client, "")
	var authErr *domain.AuthorizationRequiredError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization required, got %v", err)
	}
	_, err = env.Engine.FundMilestone(env.Ctx, c.ID, "m1", freelancer, "token")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, c.ID, "m2", freelancer, evidence); !errors.As(err, &invalid) {
		t.Fatalf("submit unfunded: %v", err)
	}
	if _, err := env.Engine.Get(env.Ctx, "CNT-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, err := env.Engine.Get(env.Ctx, c.ID)
	if err != nil || got.Revision != rev || got.EscrowBalance != 0 {
		t.Fatalf("store changed: %v rev=%d escrow=%d", err, got.Revision, got.EscrowBalance)
	}
}

func TestConcurrentFundingOnlyOneCommits(t *testing.T) {
	env := newTestEnv(t)
	c := activeContract(t, env, 30000)
	var wins atomic.Int32
	g, gctx := errgroup.WithContext(env.Ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := env.Engine.FundMilestone(gctx, c.ID, "m1", client, "token")
			var conflict *domain.ConcurrentModificationError
			var invalid *domain.InvalidTransitionError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &conflict), errors.As(err, &invalid):
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := env.Engine.Get(env.Ctx, c.ID)
	if wins.Load() != 1 || got.EscrowBalance != 30000 {
		t.Fatalf("wins=%d escrow=%d", wins.Load(), got.EscrowBalance)
	}
	ledger, _ := env.Engine.Ledger(env.Ctx, c.ID)
	if len(ledger) != 1 {
		t.Fatalf("expected one hold row, got %d", len(ledger))
	}
}

func TestDisputeScoredEscalatedAndRefunded(t *testing.T) {
	env := newTestEnv(t)
	c := activeContract(t, env, 30000)
	var err error
	if c, err = env.Engine.FundMilestone(env.Ctx, c.ID, "m1", client, "token"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if c, err = env.Engine.SubmitWork(env.Ctx, c.ID, "m1", freelancer, evidence); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, rep, err := env.Engine.RaiseDispute(env.Ctx, c.ID, "m1", client, lifecycle.DisputeInput{
		Reason:         domain.ReasonQuality,
		FailedCriteria: []string{"Accessible"},
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if rep.ComplianceScore != 70 || rep.Recommendation != dispute.RecommendPartialRelease || rep.ContractID != c.ID {
		t.Fatalf("report %+v", rep)
	}
	d := c.Milestones[0].Dispute
	if c.Status != domain.ContractDisputed || d == nil || d.ComplianceScore == nil || *d.ComplianceScore != 70 {
		t.Fatalf("dispute not stored: %s %+v", c.Status, d)
	}
	again, err := env.Engine.Report(env.Ctx, c.ID, "m1")
	if err != nil || again.ComplianceScore != rep.ComplianceScore {
		t.Fatalf("report: %v %+v", err, again)
	}

	if c, err = env.Engine.ResolveDispute(env.Ctx, c.ID, "m1", freelancer, domain.ResolveEscalate, ""); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if c.Milestones[0].Dispute.Level != domain.DisputeLevelArbitration || c.Status != domain.ContractDisputed {
		t.Fatalf("escalation %+v", c.Milestones[0].Dispute)
	}
	var invalid *domain.InvalidTransitionError
	if _, err := env.Engine.ResolveDispute(env.Ctx, c.ID, "m1", client, domain.ResolveRelease, "token"); !errors.As(err, &invalid) {
		t.Fatalf("client release at level 2: %v", err)
	}
	impostor := domain.Actor{ID: "mallory", Role: domain.RoleArbiter}
	if _, err := env.Engine.ResolveDispute(env.Ctx, c.ID, "m1", impostor, domain.ResolveRefund, ""); !errors.As(err, &invalid) {
		t.Fatalf("unregistered arbiter: %v", err)
	}
	if c, err = env.Engine.ResolveDispute(env.Ctx, c.ID, "m1", arbiter, domain.ResolveRefund, ""); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if c.EscrowBalance != 0 || c.Milestones[0].Status != domain.MilestoneRejected || c.Status != domain.ContractActive {
		t.Fatalf("after refund: %s escrow=%d milestone=%s", c.Status, c.EscrowBalance, c.Milestones[0].Status)
	}
}

func TestProposeChangesSpawnsDraft(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateDraft(env.Ctx, "Logo", client, freelancer.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c, err = env.Engine.AddMilestone(env.Ctx, c.ID, client, spec("Concepts", 5000)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if c, err = env.Engine.SubmitProposal(env.Ctx, c.ID, client); err != nil || c.Status != domain.ContractInvited {
		t.Fatalf("invite: %v %s", err, c.Status)
	}
	next, err := env.Engine.Respond(env.Ctx, c.ID, freelancer, domain.DecisionProposeChanges, "")
	if err != nil {
		t.Fatalf("propose changes: %v", err)
	}
	if next.ID == c.ID || next.SupersedesID != c.ID || next.Status != domain.ContractDraft || next.Milestones[0].Version != 2 {
		t.Fatalf("new draft %+v", next)
	}
	orig, _ := env.Engine.Get(env.Ctx, c.ID)
	if orig.Revision != c.Revision || orig.Status != domain.ContractInvited {
		t.Fatalf("original touched: %+v", orig)
	}
	revs, err := env.Engine.List(env.Ctx, repo.Filter{SupersedesID: c.ID})
	if err != nil || len(revs) != 1 || revs[0].ID != next.ID {
		t.Fatalf("list superseding: %v %+v", err, revs)
	}
}

func TestAllowedActions(t *testing.T) {
	env := newTestEnv(t)
	c := activeContract(t, env, 1000)
	acts, err := env.Engine.AllowedActions(env.Ctx, c.ID, "m1", domain.Actor{ID: client.ID})
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if len(acts) != 1 || acts[0] != domain.ActionFundEscrow {
		t.Fatalf("client actions %v", acts)
	}
	acts, _ = env.Engine.AllowedActions(env.Ctx, c.ID, "m1", domain.Actor{ID: freelancer.ID})
	if len(acts) != 0 {
		t.Fatalf("freelancer actions %v", acts)
	}
	if _, err := env.Engine.AllowedActions(env.Ctx, c.ID, "m1", domain.Actor{ID: "stranger"}); err == nil {
		t.Fatalf("stranger must be rejected")
	}
}

func TestAuthorize(t *testing.T) {
	env := newTestEnv(t)
	c := activeContract(t, env, 1000)
	if _, err := env.Engine.Authorize(env.Ctx, c.ID, client); !errors.Is(err, auth.ErrDeclined) {
		t.Fatalf("default authorizer should decline, got %v", err)
	}
	env.Engine.Authorizer = auth.WalletSigner{Secret: []byte("k"), Issuer: "trustvault", Now: env.Engine.Now}
	tok, err := env.Engine.Authorize(env.Ctx, c.ID, client)
	if err != nil || tok == "" {
		t.Fatalf("authorize: %q %v", tok, err)
	}
	if _, err := env.Engine.Authorize(env.Ctx, c.ID, domain.Actor{ID: "stranger"}); err == nil {
		t.Fatalf("stranger must not be authorized")
	}
	if c, err = env.Engine.FundMilestone(env.Ctx, c.ID, "m1", client, tok); err != nil || c.EscrowBalance != 1000 {
		t.Fatalf("fund with token: %v", err)
	}
}
