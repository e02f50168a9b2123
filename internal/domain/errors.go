package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "validation failed: " + e.Problems[0]
	}
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

type InvalidTransitionError struct {
	Action          Action
	ContractStatus  ContractStatus
	MilestoneStatus MilestoneStatus
	Role            Role
	Reason          string
}

func (e *InvalidTransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid transition: %s by %s", e.Action, roleOrUnknown(e.Role))
	fmt.Fprintf(&b, " (contract %s", e.ContractStatus)
	if e.MilestoneStatus != "" {
		fmt.Fprintf(&b, ", milestone %s", e.MilestoneStatus)
	}
	b.WriteString(")")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func roleOrUnknown(r Role) string {
	if r == "" {
		return "unknown role"
	}
	return string(r)
}

type AuthorizationRequiredError struct {
	Action     Action
	ContractID string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s on contract %s", e.Action, e.ContractID)
}

type EscrowOverflowError struct {
	Balance int64
	Amount  int64
	Total   int64
}

func (e *EscrowOverflowError) Error() string {
	return fmt.Sprintf("escrow overflow: balance %d + amount %d exceeds total value %d", e.Balance, e.Amount, e.Total)
}

type IncompleteEvidenceError struct {
	MilestoneID string
	Missing     []string
}

func (e *IncompleteEvidenceError) Error() string {
	return fmt.Sprintf("milestone %s: missing evidence for deliverables %s", e.MilestoneID, strings.Join(e.Missing, ", "))
}

type ConcurrentModificationError struct {
	ContractID string
	Expected   int64
	Actual     int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("contract %s was modified concurrently: expected revision %d, found %d", e.ContractID, e.Expected, e.Actual)
}

// InvariantError is raised with panic when a computed snapshot breaks a
// ledger invariant. It is never returned as a value.
type InvariantError struct {
	ContractID string
	Detail     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant breach on contract %s: %s", e.ContractID, e.Detail)
}
