// Package models defines the entities the recurring payments engine works
// on: scanned documents, recurring payment templates, the per-month
// instances generated from templates, and detection candidates awaiting
// user acceptance.
//
// Referential rule: every back-reference (Document.RecurringTemplateID,
// Document.RecurringInstanceID, RecurringInstance.TemplateID,
// RecurringInstance.MatchedDocumentID, Candidate.CreatedTemplateID) either
// resolves to a live entity or is empty. The integrity service enforces
// this after the fact; the services never knowingly create a dangling link.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// Document is one captured financial record. The engine owns only the
// fingerprint and the two recurring link fields; everything else is written
// by the capture pipeline upstream.
type Document struct {
	ID            string          `json:"id"`
	VendorName    string          `json:"vendor_name"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	IBAN          string          `json:"iban,omitempty"`
	TaxID         string          `json:"tax_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`

	VendorFingerprint   string `json:"vendor_fingerprint,omitempty"`
	RecurringTemplateID string `json:"recurring_template_id,omitempty"`
	RecurringInstanceID string `json:"recurring_instance_id,omitempty"`
}

// HasDueDate reports whether the document carries a usable due date.
func (d *Document) HasDueDate() bool {
	return d.DueDate != nil && !d.DueDate.IsZero()
}

// IsLinked reports whether the document is bound to a recurring instance.
func (d *Document) IsLinked() bool {
	return d.RecurringTemplateID != "" || d.RecurringInstanceID != ""
}

// ClearRecurringLinks removes both recurring back-references.
func (d *Document) ClearRecurringLinks() {
	d.RecurringTemplateID = ""
	d.RecurringInstanceID = ""
}

// Validate performs basic validation on the Document.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if strings.TrimSpace(d.VendorName) == "" {
		return fmt.Errorf("document vendor name cannot be empty")
	}
	if d.Amount.IsNegative() {
		return fmt.Errorf("document amount cannot be negative")
	}
	return nil
}

// String returns a short representation for logs.
func (d *Document) String() string {
	due := "none"
	if d.HasDueDate() {
		due = d.DueDate.Format("2006-01-02")
	}
	return fmt.Sprintf("Document{ID: %s, Vendor: %s, Amount: %s, Due: %s}",
		d.ID, d.VendorName, d.Amount.String(), due)
}

// TemplateSource records how a template came into existence.
type TemplateSource string

const (
	// SourceManual marks templates created by explicit user action.
	SourceManual TemplateSource = "manual"
	// SourceDetected marks templates created by accepting a detection
	// candidate.
	SourceDetected TemplateSource = "detected"
)

// Template is the stored definition of one recurring obligation.
//
// VendorFingerprint (identity plus amount bucket) is unique among templates;
// VendorOnlyFingerprint groups templates that share vendor identity across
// amount buckets.
type Template struct {
	ID                    string          `json:"id"`
	VendorFingerprint     string          `json:"vendor_fingerprint"`
	VendorOnlyFingerprint string          `json:"vendor_only_fingerprint"`
	AmountBucket          string          `json:"amount_bucket,omitempty"`
	VendorName            string          `json:"vendor_name"`
	ShortName             string          `json:"short_name,omitempty"`
	Category              string          `json:"category,omitempty"`
	ExpectedDueDay        int             `json:"expected_due_day"`
	ToleranceDays         int             `json:"tolerance_days"`
	ReminderOffsets       []int           `json:"reminder_offsets,omitempty"`
	AmountMin             decimal.Decimal `json:"amount_min"`
	AmountMax             decimal.Decimal `json:"amount_max"`
	Currency              string          `json:"currency"`
	IBAN                  string          `json:"iban,omitempty"`
	Active                bool            `json:"active"`
	Source                TemplateSource  `json:"source"`
	MatchedCount          int             `json:"matched_count"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// ContainsAmount reports whether amount lies inside the learned
// [AmountMin, AmountMax] range, bounds inclusive.
func (t *Template) ContainsAmount(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(t.AmountMin) && amount.LessThanOrEqual(t.AmountMax)
}

// RangeWidth returns AmountMax - AmountMin.
func (t *Template) RangeWidth() decimal.Decimal {
	return t.AmountMax.Sub(t.AmountMin)
}

// DisplayName returns the short name when set, otherwise the vendor name.
func (t *Template) DisplayName() string {
	if t.ShortName != "" {
		return t.ShortName
	}
	return t.VendorName
}

// Validate performs basic validation on the Template.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("template ID cannot be empty")
	}
	if strings.TrimSpace(t.VendorFingerprint) == "" {
		return fmt.Errorf("template vendor fingerprint cannot be empty")
	}
	if strings.TrimSpace(t.VendorOnlyFingerprint) == "" {
		return fmt.Errorf("template vendor-only fingerprint cannot be empty")
	}
	if t.ExpectedDueDay < 1 || t.ExpectedDueDay > 31 {
		return fmt.Errorf("expected due day must be between 1 and 31: %d", t.ExpectedDueDay)
	}
	if t.ToleranceDays < 0 {
		return fmt.Errorf("tolerance days cannot be negative: %d", t.ToleranceDays)
	}
	if t.AmountMax.LessThan(t.AmountMin) {
		return fmt.Errorf("amount range is inverted: [%s, %s]", t.AmountMin, t.AmountMax)
	}
	return nil
}

// String returns a short representation for logs.
func (t *Template) String() string {
	return fmt.Sprintf("Template{ID: %s, Vendor: %s, Range: [%s, %s], Active: %t}",
		t.ID, t.DisplayName(), t.AmountMin.String(), t.AmountMax.String(), t.Active)
}

// InstanceStatus is the state of a recurring instance.
type InstanceStatus string

const (
	// StatusExpected marks an instance generated ahead of any document.
	StatusExpected InstanceStatus = "expected"
	// StatusMatched marks an instance bound to a document.
	StatusMatched InstanceStatus = "matched"
	// StatusPaid marks an instance confirmed paid by the user. Terminal.
	StatusPaid InstanceStatus = "paid"
	// StatusMissed marks an instance whose due date passed unmatched.
	// Terminal.
	StatusMissed InstanceStatus = "missed"
)

// IsValid checks if the status is one of the known states.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case StatusExpected, StatusMatched, StatusPaid, StatusMissed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusMissed
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next. Matched may be revisited (re-matching); paid and missed may not.
func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	switch s {
	case StatusExpected:
		return next == StatusMatched || next == StatusMissed || next == StatusPaid
	case StatusMatched:
		return next == StatusMatched || next == StatusPaid
	default:
		return false
	}
}

// RecurringInstance is one expected-or-actual payment period of a template,
// keyed by (TemplateID, PeriodKey). At most one instance exists per pair.
type RecurringInstance struct {
	ID              string           `json:"id"`
	TemplateID      string           `json:"template_id"`
	PeriodKey       string           `json:"period_key"`
	ExpectedDueDate time.Time        `json:"expected_due_date"`
	ExpectedAmount  *decimal.Decimal `json:"expected_amount,omitempty"`
	Status          InstanceStatus   `json:"status"`

	MatchedDocumentID string           `json:"matched_document_id,omitempty"`
	ActualDueDate     *time.Time       `json:"actual_due_date,omitempty"`
	ActualAmount      *decimal.Decimal `json:"actual_amount,omitempty"`
	InvoiceNumber     string           `json:"invoice_number,omitempty"`

	ReminderIDs     []string  `json:"reminder_ids,omitempty"`
	CalendarEventID string    `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EffectiveDueDate returns the actual due date once matched, otherwise the
// expected one.
func (ri *RecurringInstance) EffectiveDueDate() time.Time {
	if ri.ActualDueDate != nil && !ri.ActualDueDate.IsZero() {
		return *ri.ActualDueDate
	}
	return ri.ExpectedDueDate
}

// Matchable reports whether a document may be bound to this instance.
func (ri *RecurringInstance) Matchable() bool {
	return ri.Status == StatusExpected || ri.Status == StatusMatched
}

// Validate performs basic validation on the RecurringInstance.
func (ri *RecurringInstance) Validate() error {
	if strings.TrimSpace(ri.ID) == "" {
		return fmt.Errorf("instance ID cannot be empty")
	}
	if strings.TrimSpace(ri.TemplateID) == "" {
		return fmt.Errorf("instance template ID cannot be empty")
	}
	if strings.TrimSpace(ri.PeriodKey) == "" {
		return fmt.Errorf("instance period key cannot be empty")
	}
	if !ri.Status.IsValid() {
		return fmt.Errorf("invalid instance status: %s", ri.Status)
	}
	if ri.ExpectedDueDate.IsZero() {
		return fmt.Errorf("instance expected due date cannot be zero")
	}
	return nil
}

// String returns a short representation for logs.
func (ri *RecurringInstance) String() string {
	return fmt.Sprintf("Instance{ID: %s, Template: %s, Period: %s, Status: %s}",
		ri.ID, ri.TemplateID, ri.PeriodKey, ri.Status)
}

// Candidate is a provisional recurring pattern inferred from repeated
// documents, awaiting user acceptance into a template.
type Candidate struct {
	ID                string          `json:"id"`
	VendorFingerprint string          `json:"vendor_fingerprint"`
	VendorName        string          `json:"vendor_name"`
	DocumentCount     int             `json:"document_count"`
	DominantDueDay    int             `json:"dominant_due_day"`
	AmountMin         decimal.Decimal `json:"amount_min"`
	AmountMax         decimal.Decimal `json:"amount_max"`
	AmountAvg         decimal.Decimal `json:"amount_avg"`
	StableIBAN        string          `json:"stable_iban,omitempty"`
	Currency          string          `json:"currency"`
	Accepted          bool            `json:"accepted"`
	CreatedTemplateID string          `json:"created_template_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Validate performs basic validation on the Candidate.
func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("candidate ID cannot be empty")
	}
	if c.DocumentCount < 0 {
		return fmt.Errorf("candidate document count cannot be negative")
	}
	return nil
}
