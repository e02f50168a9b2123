package app

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"trustvault/internal/domain"
	"trustvault/internal/engine"
	"trustvault/internal/lifecycle"
)

//go:embed fixtures/demo.yml
var demoYAML []byte

const seedAuthorization = "seed"

type fixtureFile struct {
	Contracts []Fixture `yaml:"contracts"`
}

// Fixture describes a contract and the state to drive it to.
type Fixture struct {
	ID         string                `yaml:"id"`
	Title      string                `yaml:"title"`
	Client     string                `yaml:"client"`
	Freelancer string                `yaml:"freelancer"`
	CreatedBy  domain.Role           `yaml:"created_by"`
	Stage      domain.ContractStatus `yaml:"stage"`
	Milestones []FixtureMilestone    `yaml:"milestones"`
}

type FixtureMilestone struct {
	Title              string                  `yaml:"title"`
	Description        string                  `yaml:"description"`
	Amount             int64                   `yaml:"amount"`
	Deadline           string                  `yaml:"deadline"`
	Deliverables       []FixtureDeliverable    `yaml:"deliverables"`
	AcceptanceCriteria []string                `yaml:"acceptance_criteria"`
	OutOfScope         []string                `yaml:"out_of_scope"`
	Target             domain.MilestoneStatus  `yaml:"target"`
	Dispute            *lifecycle.DisputeInput `yaml:"dispute"`
}

type FixtureDeliverable struct {
	ID          string                 `yaml:"id"`
	Description string                 `yaml:"description"`
	Type        domain.DeliverableType `yaml:"type"`
	Evidence    string                 `yaml:"evidence"`
}

// DemoFixtures parses the embedded demo data.
func DemoFixtures() ([]Fixture, error) {
	return ParseFixtures(demoYAML)
}

func ParseFixtures(data []byte) ([]Fixture, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return f.Contracts, nil
}

// ParseMilestoneSpecs reads a YAML document of the form
// "milestones: [...]" using the fixture milestone layout.
func ParseMilestoneSpecs(data []byte) ([]domain.MilestoneSpec, error) {
	var doc struct {
		Milestones []FixtureMilestone `yaml:"milestones"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse milestones: %w", err)
	}
	out := make([]domain.MilestoneSpec, 0, len(doc.Milestones))
	for _, m := range doc.Milestones {
		out = append(out, m.Spec())
	}
	return out, nil
}

// Seed replays fixtures through the engine. Contracts that already exist
// are skipped, so seeding twice is harmless. It returns the ids created.
func Seed(ctx context.Context, e engine.Engine, fixtures []Fixture) ([]string, error) {
	var created []string
	for _, f := range fixtures {
		if _, err := e.Get(ctx, f.ID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return created, err
		}
		if err := seedOne(ctx, e, f); err != nil {
			return created, fmt.Errorf("seed %s: %w", f.ID, err)
		}
		created = append(created, f.ID)
	}
	return created, nil
}

func seedOne(ctx context.Context, e engine.Engine, f Fixture) error {
	client := domain.Actor{ID: f.Client, Role: domain.RoleClient}
	freelancer := domain.Actor{ID: f.Freelancer, Role: domain.RoleFreelancer}
	creator, counterparty, recipient := freelancer, client, client
	if f.CreatedBy == domain.RoleClient {
		creator, counterparty, recipient = client, freelancer, freelancer
	}

	fixed := e
	fixed.NewID = func(time.Time) string { return f.ID }
	c, err := fixed.CreateDraft(ctx, f.Title, creator, counterparty.ID)
	if err != nil {
		return err
	}
	for _, m := range f.Milestones {
		if c, err = e.AddMilestone(ctx, c.ID, creator, m.Spec()); err != nil {
			return err
		}
	}
	if f.Stage == domain.ContractDraft || f.Stage == "" {
		return nil
	}
	if c, err = e.SubmitProposal(ctx, c.ID, creator); err != nil {
		return err
	}
	if f.Stage == domain.ContractPending || f.Stage == domain.ContractInvited {
		return nil
	}
	if c, err = e.Respond(ctx, c.ID, recipient, domain.DecisionAccept, seedAuthorization); err != nil {
		return err
	}
	for i, m := range f.Milestones {
		if err := driveMilestone(ctx, e, c.ID, c.Milestones[i].ID, client, freelancer, m); err != nil {
			return err
		}
	}
	return nil
}

// Spec returns the milestone terms without the seed target.
func (m FixtureMilestone) Spec() domain.MilestoneSpec {
	s := domain.MilestoneSpec{
		Title:              m.Title,
		Description:        m.Description,
		Amount:             m.Amount,
		Deadline:           m.Deadline,
		AcceptanceCriteria: m.AcceptanceCriteria,
		OutOfScope:         m.OutOfScope,
	}
	for _, d := range m.Deliverables {
		s.Deliverables = append(s.Deliverables, domain.Deliverable{ID: d.ID, Description: d.Description, Type: d.Type})
	}
	return s
}

func (m FixtureMilestone) evidence() map[string]string {
	out := make(map[string]string, len(m.Deliverables))
	for _, d := range m.Deliverables {
		ev := d.Evidence
		if ev == "" {
			ev = "submitted:" + d.ID
		}
		out[d.ID] = ev
	}
	return out
}

// driveMilestone walks one milestone of an active contract to its target.
func driveMilestone(ctx context.Context, e engine.Engine, contractID, milestoneID string, client, freelancer domain.Actor, m FixtureMilestone) error {
	var steps []func() error
	fund := func() error {
		_, err := e.FundMilestone(ctx, contractID, milestoneID, client, seedAuthorization)
		return err
	}
	start := func() error {
		_, err := e.StartWork(ctx, contractID, milestoneID, freelancer)
		return err
	}
	submit := func() error {
		_, err := e.SubmitWork(ctx, contractID, milestoneID, freelancer, m.evidence())
		return err
	}
	approve := func() error {
		_, err := e.ApproveMilestone(ctx, contractID, milestoneID, client, seedAuthorization)
		return err
	}
	raise := func() error {
		in := lifecycle.DisputeInput{Reason: domain.ReasonQuality}
		if m.Dispute != nil {
			in = *m.Dispute
		}
		_, _, err := e.RaiseDispute(ctx, contractID, milestoneID, client, in)
		return err
	}
	switch m.Target {
	case "", domain.MilestonePending:
	case domain.MilestoneFunded:
		steps = []func() error{fund}
	case domain.MilestoneInProgress:
		steps = []func() error{fund, start}
	case domain.MilestoneSubmitted:
		steps = []func() error{fund, start, submit}
	case domain.MilestonePaid:
		steps = []func() error{fund, start, submit, approve}
	case domain.MilestoneDisputed:
		steps = []func() error{fund, start, submit, raise}
	default:
		return fmt.Errorf("milestone %s: unsupported seed target %q", milestoneID, m.Target)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("milestone %s: %w", milestoneID, err)
		}
	}
	return nil
}
