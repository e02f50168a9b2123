package domain

import "time"

type ContractStatus string

const (
	ContractDraft     ContractStatus = "draft"
	ContractPending   ContractStatus = "pending"
	ContractInvited   ContractStatus = "invited"
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractDisputed  ContractStatus = "disputed"
	ContractRejected  ContractStatus = "rejected"
)

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractDraft, ContractPending, ContractInvited, ContractActive, ContractCompleted, ContractDisputed, ContractRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s ContractStatus) Terminal() bool {
	return s == ContractCompleted || s == ContractRejected
}

type MilestoneStatus string

const (
	MilestoneDraft       MilestoneStatus = "draft"
	MilestonePending     MilestoneStatus = "pending"
	MilestoneInvited     MilestoneStatus = "invited"
	MilestoneFunded      MilestoneStatus = "funded"
	MilestoneInProgress  MilestoneStatus = "in_progress"
	MilestoneSubmitted   MilestoneStatus = "submitted"
	MilestoneUnderReview MilestoneStatus = "under_review"
	MilestoneApproved    MilestoneStatus = "approved"
	MilestoneDisputed    MilestoneStatus = "disputed"
	MilestonePaid        MilestoneStatus = "paid"
	MilestoneCompleted   MilestoneStatus = "completed"
	MilestoneRejected    MilestoneStatus = "rejected"
)

func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestoneDraft, MilestonePending, MilestoneInvited, MilestoneFunded, MilestoneInProgress,
		MilestoneSubmitted, MilestoneUnderReview, MilestoneApproved, MilestoneDisputed,
		MilestonePaid, MilestoneCompleted, MilestoneRejected:
		return true
	}
	return false
}

// HoldsFunds reports whether a milestone in status s has money sitting in escrow.
func (s MilestoneStatus) HoldsFunds() bool {
	switch s {
	case MilestoneFunded, MilestoneInProgress, MilestoneSubmitted, MilestoneUnderReview, MilestoneDisputed:
		return true
	}
	return false
}

// Settled reports whether s counts towards contract completion.
func (s MilestoneStatus) Settled() bool {
	return s == MilestonePaid || s == MilestoneCompleted
}

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleArbiter    Role = "arbiter"
)

func (r Role) Valid() bool {
	return r == RoleClient || r == RoleFreelancer || r == RoleArbiter
}

// Counterparty returns the other side of a client/freelancer pair.
func (r Role) Counterparty() Role {
	switch r {
	case RoleClient:
		return RoleFreelancer
	case RoleFreelancer:
		return RoleClient
	}
	return ""
}

type Action string

const (
	ActionEditTerms      Action = "edit-terms"
	ActionSendInvitation Action = "send-invitation"
	ActionSubmitProposal Action = "submit-proposal"
	ActionAccept         Action = "accept"
	ActionApproveAndFund Action = "approve-and-fund"
	ActionReject         Action = "reject"
	ActionProposeChanges Action = "propose-changes"
	ActionFundEscrow     Action = "fund-escrow"
	ActionStartWork      Action = "start-work"
	ActionSubmitWork     Action = "submit-work"
	ActionApprove        Action = "approve"
	ActionRaiseDispute   Action = "raise-dispute"
	ActionResolveRelease Action = "resolve-release"
	ActionResolveRefund  Action = "resolve-refund"
	ActionEscalate       Action = "escalate"
	ActionRefundContract Action = "refund-contract"
)

type Decision string

const (
	DecisionAccept         Decision = "accept"
	DecisionReject         Decision = "reject"
	DecisionProposeChanges Decision = "propose-changes"
)

func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionReject || d == DecisionProposeChanges
}

type DisputeReason string

const (
	ReasonQuality      DisputeReason = "quality"
	ReasonIncomplete   DisputeReason = "incomplete"
	ReasonRequirements DisputeReason = "requirements"
	ReasonDelay        DisputeReason = "delay"
)

func (r DisputeReason) Valid() bool {
	switch r {
	case ReasonQuality, ReasonIncomplete, ReasonRequirements, ReasonDelay:
		return true
	}
	return false
}

type Resolution string

const (
	ResolveRelease  Resolution = "release"
	ResolveRefund   Resolution = "refund"
	ResolveEscalate Resolution = "escalate"
)

func (o Resolution) Valid() bool {
	return o == ResolveRelease || o == ResolveRefund || o == ResolveEscalate
}

// Action maps a resolution outcome onto the transition it drives.
func (o Resolution) Action() Action {
	switch o {
	case ResolveRelease:
		return ActionResolveRelease
	case ResolveRefund:
		return ActionResolveRefund
	case ResolveEscalate:
		return ActionEscalate
	}
	return ""
}

type DeliverableType string

const (
	DeliverableFile DeliverableType = "file"
	DeliverableLink DeliverableType = "link"
	DeliverableAny  DeliverableType = "any"
)

type VerificationStatus string

const (
	VerificationPass    VerificationStatus = "pass"
	VerificationFail    VerificationStatus = "fail"
	VerificationPending VerificationStatus = "pending"
	VerificationWarning VerificationStatus = "warning"
)

const (
	DisputeLevelAutomated   = 1
	DisputeLevelArbitration = 2
)

type Deliverable struct {
	ID                 string             `json:"id"`
	Description        string             `json:"description"`
	Type               DeliverableType    `json:"type" enum:"file,link,any"`
	Evidence           string             `json:"evidence,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty" enum:"pass,fail,pending,warning"`
	VerificationNote   string             `json:"verification_note,omitempty"`
}

type Dispute struct {
	Reason          DisputeReason `json:"reason" enum:"quality,incomplete,requirements,delay"`
	Comments        string        `json:"comments,omitempty"`
	FailedCriteria  []string      `json:"failed_criteria,omitempty"`
	RaisedAt        string        `json:"raised_at" format:"date-time"`
	RaisedBy        string        `json:"raised_by"`
	Level           int           `json:"level"`
	ComplianceScore *int          `json:"compliance_score,omitempty"`
	Recommendation  string        `json:"recommendation,omitempty"`
	Resolution      Resolution    `json:"resolution,omitempty"`
	ResolvedAt      string        `json:"resolved_at,omitempty" format:"date-time"`
}

type Milestone struct {
	ID                 string          `json:"id"`
	Version            int             `json:"version"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Amount             int64           `json:"amount"`
	Status             MilestoneStatus `json:"status"`
	Deliverables       []Deliverable   `json:"deliverables"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
	OutOfScope         []string        `json:"out_of_scope,omitempty"`
	Deadline           string          `json:"deadline,omitempty" format:"date"`
	SubmittedAt        string          `json:"submitted_at,omitempty" format:"date-time"`
	Dispute            *Dispute        `json:"dispute,omitempty"`
}

type Contract struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	ClientID      string         `json:"client_id"`
	FreelancerID  string         `json:"freelancer_id"`
	CreatedBy     Role           `json:"created_by"`
	TotalValue    int64          `json:"total_value"`
	EscrowBalance int64          `json:"escrow_balance"`
	Status        ContractStatus `json:"status"`
	Milestones    []Milestone    `json:"milestones"`
	SupersedesID  string         `json:"supersedes_id,omitempty"`
	Revision      int64          `json:"revision"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// Actor is whoever requests an action. Role may be empty when the engine
// should derive it from contract membership.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role,omitempty"`
}

type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ContractID  string         `json:"contract_id"`
	MilestoneID string         `json:"milestone_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type LedgerKind string

const (
	LedgerHold    LedgerKind = "hold"
	LedgerRelease LedgerKind = "release"
	LedgerRefund  LedgerKind = "refund"
)

type LedgerEntry struct {
	ID           int64      `json:"id"`
	ContractID   string     `json:"contract_id"`
	MilestoneID  string     `json:"milestone_id,omitempty"`
	Kind         LedgerKind `json:"kind" enum:"hold,release,refund"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	ActorID      string     `json:"actor_id"`
	TS           string     `json:"ts" format:"date-time"`
}

// Timestamp formats t the way every stored timestamp is written.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

const DateLayout = "2006-01-02"

// Clone returns a deep copy so callers can mutate the result freely.
func (c Contract) Clone() Contract {
	out := c
	if c.Milestones != nil {
		out.Milestones = make([]Milestone, len(c.Milestones))
		for i, m := range c.Milestones {
			out.Milestones[i] = m.Clone()
		}
	}
	return out
}

func (m Milestone) Clone() Milestone {
	out := m
	out.Deliverables = append([]Deliverable(nil), m.Deliverables...)
	out.AcceptanceCriteria = append([]string(nil), m.AcceptanceCriteria...)
	out.OutOfScope = append([]string(nil), m.OutOfScope...)
	if m.Dispute != nil {
		d := *m.Dispute
		d.FailedCriteria = append([]string(nil), m.Dispute.FailedCriteria...)
		if m.Dispute.ComplianceScore != nil {
			score := *m.Dispute.ComplianceScore
			d.ComplianceScore = &score
		}
		out.Dispute = &d
	}
	return out
}

// Milestone returns the index of the milestone with the given id.
func (c Contract) Milestone(id string) (int, bool) {
	for i, m := range c.Milestones {
		if m.ID == id {
			return i, true
		}
	}
	return -1, false
}

// RoleOf resolves an identity to its side of the contract.
func (c Contract) RoleOf(actorID string) (Role, bool) {
	switch {
	case actorID == "":
		return "", false
	case actorID == c.ClientID:
		return RoleClient, true
	case actorID == c.FreelancerID:
		return RoleFreelancer, true
	}
	return "", false
}

// PartyID returns the identity holding role r on this contract.
func (c Contract) PartyID(r Role) string {
	switch r {
	case RoleClient:
		return c.ClientID
	case RoleFreelancer:
		return c.FreelancerID
	}
	return ""
}
