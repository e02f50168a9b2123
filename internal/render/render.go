// Package render turns an accepted contract snapshot into a plain-text
// contractor agreement.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"trustvault/internal/domain"
)

// Renderable reports whether c has been accepted and so has terms both
// parties agreed to.
func Renderable(c domain.Contract) bool {
	switch c.Status {
	case domain.ContractActive, domain.ContractDisputed, domain.ContractCompleted:
		return true
	}
	return false
}

// Fingerprint is the SHA-256 of the snapshot's canonical JSON encoding.
func Fingerprint(c domain.Contract) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Agreement writes the agreement for c. Only accepted contracts render.
func Agreement(w io.Writer, c domain.Contract) error {
	if !Renderable(c) {
		return domain.Invalid("contract %s is %s; only accepted contracts have an agreement", c.ID, c.Status)
	}
	if err := domain.CheckInvariants(c); err != nil {
		return err
	}
	fp, err := Fingerprint(c)
	if err != nil {
		return fmt.Errorf("fingerprint contract %s: %w", c.ID, err)
	}
	date := effectiveDate(c)

	var b strings.Builder
	b.WriteString(text.AlignCenter.Apply("INDEPENDENT CONTRACTOR AGREEMENT", 78) + "\n")
	b.WriteString(text.AlignCenter.Apply("TrustVault Protocol - Contract ID: "+c.ID, 78) + "\n\n")

	parties := table.NewWriter()
	parties.SetStyle(table.StyleLight)
	parties.AppendHeader(table.Row{"Client", "Contractor (Freelancer)"})
	parties.AppendRow(table.Row{c.ClientID, c.FreelancerID})
	parties.AppendRow(table.Row{"Authorized Principal", "Independent Service Provider"})
	b.WriteString(parties.Render() + "\n\n")

	fmt.Fprintf(&b, "This Agreement for %q is entered into as of %s between the Client and the\nContractor listed above.\n\n", c.Title, date)
	b.WriteString("1. SERVICES & MILESTONES\n")
	fmt.Fprintf(&b, "The Client agrees to pay the Contractor the total sum of %s upon successful\ncompletion and verification of these milestones.\n\n", Amount(c.TotalValue))
	b.WriteString(milestoneTable(c) + "\n\n")

	b.WriteString("2. ESCROW\n")
	b.WriteString("Funds for each milestone are held in escrow and released only on Client\napproval of the submitted deliverables or by a binding dispute decision.\n")
	b.WriteString("The Contractor must submit evidence for every deliverable of a milestone.\n\n")

	b.WriteString("3. DISPUTE RESOLUTION\n")
	levels := list.NewWriter()
	levels.SetStyle(list.StyleBulletCircle)
	levels.AppendItem("Level 1: automated analysis of the evidence against the acceptance criteria.")
	levels.AppendItem("Level 2: human arbitration when the automated outcome is contested.")
	b.WriteString(levels.Render() + "\n\n")

	sigs := table.NewWriter()
	sigs.SetStyle(table.StyleLight)
	sigs.AppendHeader(table.Row{"Signed by Client", "Signed by Contractor"})
	sigs.AppendRow(table.Row{c.ClientID, c.FreelancerID})
	sigs.AppendRow(table.Row{"Date: " + date, "Date: " + date})
	b.WriteString(sigs.Render() + "\n\n")

	fmt.Fprintf(&b, "Snapshot fingerprint (SHA-256): %s\nRevision %d\n", fp, c.Revision)
	_, err = io.WriteString(w, b.String())
	return err
}

func milestoneTable(c domain.Contract) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.SeparateRows = true
	tw.AppendHeader(table.Row{"#", "Objective & Deliverables", "Acceptance Criteria", "Deadline", "Amount"})
	for i, m := range c.Milestones {
		objective := list.NewWriter()
		objective.SetStyle(list.StyleBulletCircle)
		for _, d := range m.Deliverables {
			objective.AppendItem(d.Description)
		}
		criteria := list.NewWriter()
		criteria.SetStyle(list.StyleBulletCircle)
		for _, ac := range m.AcceptanceCriteria {
			criteria.AppendItem(ac)
		}
		tw.AppendRow(table.Row{i + 1, m.Title + "\n" + objective.Render(), criteria.Render(), m.Deadline, Amount(m.Amount)})
	}
	tw.AppendFooter(table.Row{"", "", "", "Total", Amount(c.TotalValue)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 32},
		{Number: 3, WidthMax: 28},
		{Number: 5, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	return tw.Render()
}

func effectiveDate(c domain.Contract) string {
	t, err := time.Parse(time.RFC3339, c.UpdatedAt)
	if err != nil {
		return c.UpdatedAt
	}
	return t.Format("2 January 2006")
}

// Amount formats rupees with Indian digit grouping, e.g. ₹1,25,000.
func Amount(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	s := fmt.Sprintf("%d", v)
	if len(s) <= 3 {
		return sign + "₹" + s
	}
	head, tail := s[:len(s)-3], s[len(s)-3:]
	var groups []string
	for len(head) > 2 {
		groups = append([]string{head[len(head)-2:]}, groups...)
		head = head[:len(head)-2]
	}
	groups = append([]string{head}, groups...)
	return sign + "₹" + strings.Join(groups, ",") + "," + tail
}
