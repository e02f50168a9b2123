package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWalletSignerRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := WalletSigner{Secret: []byte("s3cret"), Issuer: "trustvault", TTL: time.Minute, Now: func() time.Time { return now }}
	tok, err := s.Authorize(context.Background(), "rajesh", "CNT-1")
	if err != nil || tok == "" {
		t.Fatalf("authorize: %q %v", tok, err)
	}
	claims, err := s.Verify(tok, "rajesh", "CNT-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "trustvault" || claims.ID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := s.Verify(tok, "ankit", "CNT-1"); err == nil {
		t.Fatalf("token must not verify for another actor")
	}
	if _, err := s.Verify(tok, "rajesh", "CNT-2"); err == nil {
		t.Fatalf("token must not verify for another contract")
	}

	later := s
	later.Now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := later.Verify(tok, "rajesh", "CNT-1"); err == nil {
		t.Fatalf("expired token verified")
	}
}

func TestWalletSignerRejectsMissingInputs(t *testing.T) {
	s := WalletSigner{Secret: []byte("k")}
	if _, err := s.Authorize(context.Background(), "", "CNT-1"); !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
	if _, err := (WalletSigner{}).Authorize(context.Background(), "a", "b"); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestDecline(t *testing.T) {
	var a Authorizer = Decline{}
	tok, err := a.Authorize(context.Background(), "rajesh", "CNT-1")
	if tok != "" || !errors.Is(err, ErrDeclined) {
		t.Fatalf("got %q %v", tok, err)
	}
}
