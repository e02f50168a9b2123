package trustvaultsdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trustvault/internal/app"
	"trustvault/internal/config"
	"trustvault/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) string {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default(), SigningSecret: "wallet"})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	h, err := server.New(server.Config{Engine: a.Engine, Auth: server.AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return ts.URL
}

func clientFor(t *testing.T, base, actorID string) *Client {
	t.Helper()
	tok, err := server.SignToken(secret, actorID, "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return New(base, tok)
}

func TestClientDrivesContract(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	rajesh := clientFor(t, base, "rajesh")
	ankit := clientFor(t, base, "ankit")

	c, err := ankit.CreateContract(ctx, "Landing page", "rajesh", "freelancer")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c, err = ankit.AddMilestone(ctx, c.ID, MilestoneTerms{
		Title:              "Hero section",
		Amount:             15000,
		Deadline:           "2024-04-01",
		Deliverables:       []Deliverable{{ID: "d1", Description: "Figma frame", Type: "link"}},
		AcceptanceCriteria: []string{"Responsive"},
	})
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	mid := c.Milestones[0].ID
	if _, err := ankit.SubmitProposal(ctx, c.ID); err != nil {
		t.Fatalf("propose: %v", err)
	}

	tok, err := rajesh.Authorize(ctx, c.ID)
	if err != nil || tok == "" {
		t.Fatalf("authorize: %v", err)
	}
	if c, err = rajesh.Respond(ctx, c.ID, "accept", tok); err != nil || c.Status != "active" {
		t.Fatalf("accept: %v %+v", err, c)
	}

	_, err = rajesh.Fund(ctx, c.ID, mid, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "authorization_required" || apiErr.StatusCode != 403 {
		t.Fatalf("fund without token: %v", err)
	}
	if c, err = rajesh.Fund(ctx, c.ID, mid, tok); err != nil || c.EscrowBalance != 15000 {
		t.Fatalf("fund: %v %+v", err, c)
	}
	if _, err = ankit.SubmitWork(ctx, c.ID, mid, map[string]string{"d1": "https://figma.com/hero"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, rep, err := rajesh.RaiseDispute(ctx, c.ID, mid, "delay", "two days late", nil)
	if err != nil || c.Status != "disputed" || rep.ComplianceScore != 70 {
		t.Fatalf("dispute: %v %+v %+v", err, c, rep)
	}
	if c, err = ankit.ResolveDispute(ctx, c.ID, mid, "refund", ""); err != nil {
		t.Fatalf("refund resolution: %v", err)
	}
	if c.EscrowBalance != 0 {
		t.Fatalf("escrow after refund %d", c.EscrowBalance)
	}

	ledger, err := rajesh.Ledger(ctx, c.ID)
	if err != nil || len(ledger) != 2 || ledger[1].Kind != "refund" {
		t.Fatalf("ledger: %v %+v", err, ledger)
	}
	events, err := ankit.ContractEvents(ctx, c.ID)
	if err != nil || len(events) == 0 {
		t.Fatalf("events: %v", err)
	}
	page, err := rajesh.ListContracts(ctx, "", 10, "")
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("list: %v %+v", err, page)
	}
	text, fp, err := rajesh.Agreement(ctx, c.ID)
	if err != nil || !strings.Contains(text, "Landing page") || fp == "" {
		t.Fatalf("agreement: %v", err)
	}
}
