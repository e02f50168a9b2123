package trustvaultsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal TrustVault HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Contract represents the API contract model.
type Contract struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	ClientID      string      `json:"client_id"`
	FreelancerID  string      `json:"freelancer_id"`
	CreatedBy     string      `json:"created_by"`
	TotalValue    int64       `json:"total_value"`
	EscrowBalance int64       `json:"escrow_balance"`
	Status        string      `json:"status"`
	Milestones    []Milestone `json:"milestones"`
	SupersedesID  string      `json:"supersedes_id,omitempty"`
	Revision      int64       `json:"revision"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
}

// Milestone represents one funded unit of work (partial).
type Milestone struct {
	ID                 string        `json:"id"`
	Version            int           `json:"version"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Amount             int64         `json:"amount"`
	Status             string        `json:"status"`
	Deadline           string        `json:"deadline,omitempty"`
	Deliverables       []Deliverable `json:"deliverables"`
	AcceptanceCriteria []string      `json:"acceptance_criteria"`
	OutOfScope         []string      `json:"out_of_scope,omitempty"`
	Dispute            *Dispute      `json:"dispute,omitempty"`
}

type Deliverable struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Evidence    string `json:"evidence,omitempty"`
}

type Dispute struct {
	Reason          string   `json:"reason"`
	Comments        string   `json:"comments,omitempty"`
	FailedCriteria  []string `json:"failed_criteria,omitempty"`
	Level           int      `json:"level"`
	ComplianceScore *int     `json:"compliance_score,omitempty"`
	Recommendation  string   `json:"recommendation,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
}

// MilestoneTerms is the request body for adding, editing and
// counter-proposing milestones.
type MilestoneTerms struct {
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Amount             int64         `json:"amount"`
	Deadline           string        `json:"deadline,omitempty"`
	Deliverables       []Deliverable `json:"deliverables,omitempty"`
	AcceptanceCriteria []string      `json:"acceptance_criteria,omitempty"`
	OutOfScope         []string      `json:"out_of_scope,omitempty"`
}

// Report is the compliance report for a disputed milestone.
type Report struct {
	MilestoneID     string `json:"milestone_id"`
	ComplianceScore int    `json:"compliance_score"`
	Recommendation  string `json:"recommendation"`
	Confidence      string `json:"confidence"`
	Summary         string `json:"summary"`
	Criteria        []struct {
		Criterion string `json:"criterion"`
		Result    string `json:"result"`
		Reason    string `json:"reason"`
	} `json:"criteria"`
}

// Event represents a journal entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ContractID  string         `json:"contract_id"`
	MilestoneID string         `json:"milestone_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// LedgerEntry represents one escrow movement.
type LedgerEntry struct {
	ID           int64  `json:"id"`
	ContractID   string `json:"contract_id"`
	MilestoneID  string `json:"milestone_id,omitempty"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	ActorID      string `json:"actor_id"`
	TS           string `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ContractPage wraps list responses with cursors.
type ContractPage struct {
	Items      []Contract `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// EventPage wraps journal responses with cursors.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateContract opens a draft; as is "client" or "freelancer".
func (c *Client) CreateContract(ctx context.Context, title, counterpartyID, as string) (Contract, error) {
	body := map[string]any{"title": title, "counterparty_id": counterpartyID, "as": as}
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", body, &resp)
	return resp, err
}

// ListContracts returns one page of the caller's contracts.
func (c *Client) ListContracts(ctx context.Context, status string, limit int, cursor string) (ContractPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp ContractPage
	err := c.do(ctx, http.MethodGet, withQuery("contracts", q), nil, &resp)
	return resp, err
}

func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, contractPath(id), nil, &resp)
	return resp, err
}

func (c *Client) AddMilestone(ctx context.Context, contractID string, terms MilestoneTerms) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "milestones"), terms, &resp)
	return resp, err
}

func (c *Client) EditMilestone(ctx context.Context, contractID, milestoneID string, terms MilestoneTerms) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPut, milestonePath(contractID, milestoneID), terms, &resp)
	return resp, err
}

// SubmitProposal sends a draft to the counterparty.
func (c *Client) SubmitProposal(ctx context.Context, contractID string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "proposal"), nil, &resp)
	return resp, err
}

// Respond accepts, rejects or proposes changes. propose-changes returns the
// new draft.
func (c *Client) Respond(ctx context.Context, contractID, decision, authorization string) (Contract, error) {
	body := map[string]any{"decision": decision, "authorization": authorization}
	var resp Contract
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "response"), body, &resp)
	return resp, err
}

// Modify counter-proposes new terms and returns the new draft.
func (c *Client) Modify(ctx context.Context, contractID string, milestones []MilestoneTerms) (Contract, error) {
	body := map[string]any{"milestones": milestones}
	var resp Contract
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "modifications"), body, &resp)
	return resp, err
}

func (c *Client) Fund(ctx context.Context, contractID, milestoneID, authorization string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, milestonePath(contractID, milestoneID, "fund"), map[string]any{"authorization": authorization}, &resp)
	return resp, err
}

func (c *Client) StartWork(ctx context.Context, contractID, milestoneID string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, milestonePath(contractID, milestoneID, "start"), nil, &resp)
	return resp, err
}

// SubmitWork sends evidence keyed by deliverable id.
func (c *Client) SubmitWork(ctx context.Context, contractID, milestoneID string, evidence map[string]string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, milestonePath(contractID, milestoneID, "submit"), map[string]any{"evidence": evidence}, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, contractID, milestoneID, authorization string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, milestonePath(contractID, milestoneID, "approve"), map[string]any{"authorization": authorization}, &resp)
	return resp, err
}

// RaiseDispute disputes submitted work and returns the scored report.
func (c *Client) RaiseDispute(ctx context.Context, contractID, milestoneID, reason, comments string, failedCriteria []string) (Contract, Report, error) {
	body := map[string]any{"reason": reason, "comments": comments, "failed_criteria": failedCriteria}
	var resp struct {
		Contract Contract `json:"contract"`
		Report   Report   `json:"report"`
	}
	err := c.do(ctx, http.MethodPost, milestonePath(contractID, milestoneID, "dispute"), body, &resp)
	return resp.Contract, resp.Report, err
}

// ResolveDispute applies release, refund or escalate.
func (c *Client) ResolveDispute(ctx context.Context, contractID, milestoneID, outcome, authorization string) (Contract, error) {
	body := map[string]any{"outcome": outcome, "authorization": authorization}
	var resp Contract
	err := c.do(ctx, http.MethodPost, milestonePath(contractID, milestoneID, "resolution"), body, &resp)
	return resp, err
}

func (c *Client) Report(ctx context.Context, contractID, milestoneID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, milestonePath(contractID, milestoneID, "report"), nil, &resp)
	return resp, err
}

// Refund closes a contract and returns held funds (arbiter only).
func (c *Client) Refund(ctx context.Context, contractID string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "refund"), nil, &resp)
	return resp, err
}

// Actions lists what the caller may do now.
func (c *Client) Actions(ctx context.Context, contractID, milestoneID string) ([]string, error) {
	q := url.Values{}
	if milestoneID != "" {
		q.Set("milestone_id", milestoneID)
	}
	var resp struct {
		Actions []string `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(contractPath(contractID, "actions"), q), nil, &resp)
	return resp.Actions, err
}

func (c *Client) Ledger(ctx context.Context, contractID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, contractPath(contractID, "ledger"), nil, &resp)
	return resp, err
}

func (c *Client) ContractEvents(ctx context.Context, contractID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, contractPath(contractID, "events"), nil, &resp)
	return resp, err
}

// EventsPage reads the global journal after cursor (arbiters only).
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (EventPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Authorize requests a token for fund, accept or release.
func (c *Client) Authorize(ctx context.Context, contractID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, contractPath(contractID, "authorizations"), nil, &resp)
	return resp.Token, err
}

// Agreement returns the rendered agreement text and its fingerprint.
func (c *Client) Agreement(ctx context.Context, contractID string) (string, string, error) {
	resp, err := c.send(ctx, http.MethodGet, contractPath(contractID, "agreement"), nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	return string(b), resp.Header.Get("X-Agreement-Fingerprint"), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

func contractPath(id string, rest ...string) string {
	parts := append([]string{"contracts", url.PathEscape(id)}, rest...)
	return strings.Join(parts, "/")
}

func milestonePath(contractID, milestoneID string, rest ...string) string {
	return contractPath(contractID, append([]string{"milestones", url.PathEscape(milestoneID)}, rest...)...)
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
