package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"trustvault/internal/config"
	"trustvault/internal/dispute"
	"trustvault/internal/domain"
	"trustvault/internal/engine/auth"
	"trustvault/internal/lifecycle"
	"trustvault/internal/repo"
	"trustvault/internal/rules"
)

// Engine runs lifecycle operations against a store. Each mutating call reads
// one snapshot, applies the transition in memory and saves the result
// conditioned on the revision it read.
type Engine struct {
	Store      repo.Store
	Journal    repo.Journal
	Scorer     dispute.Scorer
	Authorizer auth.Authorizer
	Config     *config.Config
	Log        *slog.Logger
	Now        func() time.Time
	NewID      func(now time.Time) string
}

// New wires an engine over a backend with scorer thresholds from cfg.
func New(b repo.Backend, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:      b,
		Journal:    b,
		Scorer:     ScorerFromConfig(cfg),
		Authorizer: auth.Decline{},
		Config:     cfg,
		Log:        slog.Default(),
		Now:        time.Now,
		NewID:      NewContractID,
	}
}

// ScorerFromConfig builds the heuristic scorer, falling back to defaults
// for thresholds the config leaves at zero.
func ScorerFromConfig(cfg *config.Config) dispute.Heuristic {
	h := dispute.DefaultHeuristic()
	d := cfg.Dispute
	if d.ReleaseAbove == 0 && d.PartialAbove == 0 && d.FixedPenalty == 0 && d.PerFailedCriterion == 0 {
		return h
	}
	h.FixedPenalty = d.FixedPenalty
	h.PerFailedCriterion = d.PerFailedCriterion
	h.ReleaseAbove = d.ReleaseAbove
	h.PartialAbove = d.PartialAbove
	return h
}

// NewContractID returns ids of the form CNT-2024-1A2B3C4D.
func NewContractID(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("CNT-%d-%s", now.Year(), strings.ToUpper(hex[:8]))
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID(now time.Time) string {
	if e.NewID != nil {
		return e.NewID(now)
	}
	return NewContractID(now)
}

func (e Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) scorer() dispute.Scorer {
	if e.Scorer != nil {
		return e.Scorer
	}
	return dispute.DefaultHeuristic()
}

// checkArbiter rejects arbiter claims from identities outside the configured
// panel. An empty panel accepts any arbiter.
func (e Engine) checkArbiter(c domain.Contract, actor domain.Actor, action domain.Action) error {
	if actor.Role != domain.RoleArbiter || e.Config == nil || len(e.Config.Arbiters) == 0 {
		return nil
	}
	if slices.Contains(e.Config.Arbiters, actor.ID) {
		return nil
	}
	return &domain.InvalidTransitionError{
		Action:         action,
		ContractStatus: c.Status,
		Role:           actor.Role,
		Reason:         fmt.Sprintf("%q is not a registered arbiter", actor.ID),
	}
}

type step func(c domain.Contract, now time.Time) (lifecycle.Result, error)

// apply is the read, transition, compare-and-swap cycle shared by every
// operation on an existing contract.
func (e Engine) apply(ctx context.Context, contractID, milestoneID string, actor domain.Actor, action domain.Action, fn step) (domain.Contract, error) {
	c, err := e.Store.Get(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := e.checkArbiter(c, actor, action); err != nil {
		e.rejected(contractID, milestoneID, action, err)
		return domain.Contract{}, err
	}
	res, err := fn(c, e.now())
	if err != nil {
		e.rejected(contractID, milestoneID, action, err)
		return domain.Contract{}, err
	}
	expected := c.Revision
	if res.Contract.ID != c.ID {
		expected = 0
	}
	return e.commit(ctx, milestoneID, action, expected, res)
}

func (e Engine) commit(ctx context.Context, milestoneID string, action domain.Action, expected int64, res lifecycle.Result) (domain.Contract, error) {
	saved, err := e.Store.Save(ctx, repo.Commit{
		Contract:         res.Contract,
		ExpectedRevision: expected,
		Events:           res.Events,
		Ledger:           res.Ledger,
	})
	if err != nil {
		var conflict *domain.ConcurrentModificationError
		if errors.As(err, &conflict) {
			e.logger().Warn("concurrent modification", "contract_id", res.Contract.ID, "action", action, "expected", conflict.Expected, "actual", conflict.Actual)
		}
		return domain.Contract{}, err
	}
	e.logger().Info("transition committed",
		"contract_id", saved.ID,
		"milestone_id", milestoneID,
		"action", action,
		"status", saved.Status,
		"escrow_balance", saved.EscrowBalance,
		"revision", saved.Revision,
	)
	return saved, nil
}

func (e Engine) rejected(contractID, milestoneID string, action domain.Action, err error) {
	e.logger().Debug("transition rejected", "contract_id", contractID, "milestone_id", milestoneID, "action", action, "err", err)
}

// CreateDraft opens a new draft between the creator and a counterparty.
func (e Engine) CreateDraft(ctx context.Context, title string, creator domain.Actor, counterpartyID string) (domain.Contract, error) {
	now := e.now()
	res, err := lifecycle.CreateDraft(e.newID(now), title, creator, counterpartyID, now)
	if err != nil {
		return domain.Contract{}, err
	}
	return e.commit(ctx, "", domain.ActionEditTerms, 0, res)
}

func (e Engine) AddMilestone(ctx context.Context, contractID string, actor domain.Actor, spec domain.MilestoneSpec) (domain.Contract, error) {
	return e.apply(ctx, contractID, spec.ID, actor, domain.ActionEditTerms, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.AddMilestone(c, actor, spec, now)
	})
}

func (e Engine) EditMilestone(ctx context.Context, contractID, milestoneID string, actor domain.Actor, spec domain.MilestoneSpec) (domain.Contract, error) {
	return e.apply(ctx, contractID, milestoneID, actor, domain.ActionEditTerms, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.EditMilestone(c, actor, milestoneID, spec, now)
	})
}

func (e Engine) SubmitProposal(ctx context.Context, contractID string, actor domain.Actor) (domain.Contract, error) {
	return e.apply(ctx, contractID, "", actor, domain.ActionSubmitProposal, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.SubmitProposal(c, actor, now)
	})
}

// Respond applies the recipient's decision. For propose-changes the
// returned contract is the new superseding draft.
func (e Engine) Respond(ctx context.Context, contractID string, actor domain.Actor, decision domain.Decision, authorization string) (domain.Contract, error) {
	action := domain.Action(decision)
	return e.apply(ctx, contractID, "", actor, action, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.Respond(c, actor, decision, authorization, e.newID(now), now)
	})
}

// ModifyProposal spawns a new draft carrying specs. The source contract is
// left untouched.
func (e Engine) ModifyProposal(ctx context.Context, contractID string, actor domain.Actor, specs []domain.MilestoneSpec) (domain.Contract, error) {
	return e.apply(ctx, contractID, "", actor, domain.ActionProposeChanges, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.ModifyProposal(c, actor, specs, e.newID(now), now)
	})
}

func (e Engine) FundMilestone(ctx context.Context, contractID, milestoneID string, actor domain.Actor, authorization string) (domain.Contract, error) {
	return e.apply(ctx, contractID, milestoneID, actor, domain.ActionFundEscrow, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.FundMilestone(c, actor, milestoneID, authorization, now)
	})
}

func (e Engine) StartWork(ctx context.Context, contractID, milestoneID string, actor domain.Actor) (domain.Contract, error) {
	return e.apply(ctx, contractID, milestoneID, actor, domain.ActionStartWork, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.StartWork(c, actor, milestoneID, now)
	})
}

// SubmitWork submits evidence keyed by deliverable id.
func (e Engine) SubmitWork(ctx context.Context, contractID, milestoneID string, actor domain.Actor, evidence map[string]string) (domain.Contract, error) {
	return e.apply(ctx, contractID, milestoneID, actor, domain.ActionSubmitWork, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.SubmitWork(c, actor, milestoneID, evidence, now)
	})
}

func (e Engine) ApproveMilestone(ctx context.Context, contractID, milestoneID string, actor domain.Actor, authorization string) (domain.Contract, error) {
	return e.apply(ctx, contractID, milestoneID, actor, domain.ActionApprove, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.ApproveMilestone(c, actor, milestoneID, authorization, now)
	})
}

// RaiseDispute opens a dispute and scores it in the same commit. A scorer
// failure aborts the operation.
func (e Engine) RaiseDispute(ctx context.Context, contractID, milestoneID string, actor domain.Actor, in lifecycle.DisputeInput) (domain.Contract, dispute.Report, error) {
	var rep dispute.Report
	c, err := e.apply(ctx, contractID, milestoneID, actor, domain.ActionRaiseDispute, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		res, err := lifecycle.RaiseDispute(c, actor, milestoneID, in, now)
		if err != nil {
			return lifecycle.Result{}, err
		}
		idx, _ := res.Contract.Milestone(milestoneID)
		rep, err = e.score(ctx, res.Contract, res.Contract.Milestones[idx], now)
		if err != nil {
			return lifecycle.Result{}, err
		}
		return lifecycle.AttachReport(res, milestoneID, rep, now), nil
	})
	if err != nil {
		return domain.Contract{}, dispute.Report{}, err
	}
	return c, rep, nil
}

func (e Engine) score(ctx context.Context, c domain.Contract, m domain.Milestone, now time.Time) (dispute.Report, error) {
	rep, err := e.scorer().Score(ctx, m)
	if err != nil {
		return dispute.Report{}, fmt.Errorf("score milestone %s: %w", m.ID, err)
	}
	rep.ContractID = c.ID
	if rep.GeneratedAt == "" {
		rep.GeneratedAt = domain.Timestamp(now)
	}
	return rep, nil
}

func (e Engine) ResolveDispute(ctx context.Context, contractID, milestoneID string, actor domain.Actor, outcome domain.Resolution, authorization string) (domain.Contract, error) {
	return e.apply(ctx, contractID, milestoneID, actor, outcome.Action(), func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.ResolveDispute(c, actor, milestoneID, outcome, authorization, now)
	})
}

// RefundContract returns all held funds to the client and closes the
// contract. Arbiter only.
func (e Engine) RefundContract(ctx context.Context, contractID string, actor domain.Actor) (domain.Contract, error) {
	return e.apply(ctx, contractID, "", actor, domain.ActionRefundContract, func(c domain.Contract, now time.Time) (lifecycle.Result, error) {
		return lifecycle.RefundContract(c, actor, now)
	})
}

// Report rescores a disputed milestone without changing the contract.
func (e Engine) Report(ctx context.Context, contractID, milestoneID string) (dispute.Report, error) {
	c, err := e.Store.Get(ctx, contractID)
	if err != nil {
		return dispute.Report{}, err
	}
	idx, ok := c.Milestone(milestoneID)
	if !ok {
		return dispute.Report{}, fmt.Errorf("milestone %s on contract %s: %w", milestoneID, contractID, domain.ErrNotFound)
	}
	m := c.Milestones[idx]
	if m.Dispute == nil {
		return dispute.Report{}, domain.Invalid("milestone %s has no dispute", milestoneID)
	}
	return e.score(ctx, c, m, e.now())
}

// Authorize asks the authorization port for a token on behalf of a party
// or arbiter of the contract.
func (e Engine) Authorize(ctx context.Context, contractID string, actor domain.Actor) (string, error) {
	c, err := e.Store.Get(ctx, contractID)
	if err != nil {
		return "", err
	}
	if _, err := lifecycle.ResolveRole(c, actor, ""); err != nil {
		return "", err
	}
	if err := e.checkArbiter(c, actor, ""); err != nil {
		return "", err
	}
	a := e.Authorizer
	if a == nil {
		a = auth.Decline{}
	}
	token, err := a.Authorize(ctx, actor.ID, contractID)
	if err != nil {
		e.logger().Info("authorization declined", "contract_id", contractID, "actor_id", actor.ID, "err", err)
		return "", err
	}
	return token, nil
}

// AllowedActions lists what actor may do now on the contract, or on one of
// its milestones when milestoneID is set.
func (e Engine) AllowedActions(ctx context.Context, contractID, milestoneID string, actor domain.Actor) ([]domain.Action, error) {
	c, err := e.Store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	role, err := lifecycle.ResolveRole(c, actor, "")
	if err != nil {
		return nil, err
	}
	if milestoneID == "" {
		return rules.Allowed(c.Status, "", role, 0), nil
	}
	idx, ok := c.Milestone(milestoneID)
	if !ok {
		return nil, fmt.Errorf("milestone %s on contract %s: %w", milestoneID, contractID, domain.ErrNotFound)
	}
	m := c.Milestones[idx]
	level := 0
	if m.Dispute != nil {
		level = m.Dispute.Level
	}
	return rules.Allowed(c.Status, m.Status, role, level), nil
}

func (e Engine) Get(ctx context.Context, contractID string) (domain.Contract, error) {
	return e.Store.Get(ctx, contractID)
}

func (e Engine) List(ctx context.Context, f repo.Filter) ([]domain.Contract, error) {
	return e.Store.List(ctx, f)
}

func (e Engine) journal() (repo.Journal, error) {
	if e.Journal == nil {
		return nil, errors.New("store has no journal")
	}
	return e.Journal, nil
}

func (e Engine) Events(ctx context.Context, contractID string) ([]domain.Event, error) {
	j, err := e.journal()
	if err != nil {
		return nil, err
	}
	if _, err := e.Store.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return j.Events(ctx, contractID)
}

func (e Engine) Ledger(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	j, err := e.journal()
	if err != nil {
		return nil, err
	}
	if _, err := e.Store.Get(ctx, contractID); err != nil {
		return nil, err
	}
	return j.Ledger(ctx, contractID)
}

// EventsAfter reads the global journal past cursor, oldest first.
func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	j, err := e.journal()
	if err != nil {
		return nil, err
	}
	return j.EventsAfter(ctx, cursor, limit)
}
