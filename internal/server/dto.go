package server

import (
	"trustvault/internal/dispute"
	"trustvault/internal/domain"
)

// Request payloads

type CreateContractRequest struct {
	Title          string      `json:"title"`
	CounterpartyID string      `json:"counterparty_id"`
	As             domain.Role `json:"as" enum:"client,freelancer" doc:"Role the caller takes on the new contract"`
}

type MilestoneRequest struct {
	Title              string               `json:"title"`
	Description        string               `json:"description,omitempty"`
	Amount             int64                `json:"amount" minimum:"0"`
	Deadline           string               `json:"deadline,omitempty" format:"date"`
	Deliverables       []DeliverableRequest `json:"deliverables,omitempty"`
	AcceptanceCriteria []string             `json:"acceptance_criteria,omitempty"`
	OutOfScope         []string             `json:"out_of_scope,omitempty"`
}

type DeliverableRequest struct {
	ID          string                 `json:"id,omitempty"`
	Description string                 `json:"description"`
	Type        domain.DeliverableType `json:"type" enum:"file,link,any"`
}

func (m MilestoneRequest) spec() domain.MilestoneSpec {
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

type RespondRequest struct {
	Decision      domain.Decision `json:"decision" enum:"accept,reject,propose-changes"`
	Authorization string          `json:"authorization,omitempty"`
}

type ModifyRequest struct {
	Milestones []MilestoneRequest `json:"milestones"`
}

type AuthorizedRequest struct {
	Authorization string `json:"authorization,omitempty"`
}

type SubmitWorkRequest struct {
	Evidence map[string]string `json:"evidence" doc:"Evidence per deliverable id"`
}

type RaiseDisputeRequest struct {
	Reason         domain.DisputeReason `json:"reason" enum:"quality,incomplete,requirements,delay"`
	Comments       string               `json:"comments,omitempty"`
	FailedCriteria []string             `json:"failed_criteria,omitempty"`
}

type ResolveDisputeRequest struct {
	Outcome       domain.Resolution `json:"outcome" enum:"release,refund,escalate"`
	Authorization string            `json:"authorization,omitempty"`
}

type DevLoginRequest struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role,omitempty" enum:"client,freelancer,arbiter"`
}

// Responses

type ContractList struct {
	Items      []domain.Contract `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type EventList struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type DisputeResponse struct {
	Contract domain.Contract `json:"contract"`
	Report   dispute.Report  `json:"report"`
}

type ActionsResponse struct {
	ContractID  string          `json:"contract_id"`
	MilestoneID string          `json:"milestone_id,omitempty"`
	Actions     []domain.Action `json:"actions"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
