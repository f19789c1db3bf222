// Package match binds newly fingerprinted documents to recurring templates
// and their per-period instances.
//
// Absence of a match is a normal outcome, represented by a nil result.
// Errors are reserved for infrastructure failures; a document that simply
// does not belong to any template never produces one.
package match

import (
	"fmt"
	"time"

	"recurring-payments-engine/internal/fingerprint"
	"recurring-payments-engine/internal/models"
	"recurring-payments-engine/internal/period"
	"recurring-payments-engine/internal/scheduler"
	"recurring-payments-engine/internal/store"
	"recurring-payments-engine/internal/templates"
	"recurring-payments-engine/pkg/logger"
)

// Scoring constants. The score is advisory (logging and telemetry); the
// binary accept/reject gates in Match are the authority.
const (
	baseScore           = 0.70
	ibanBonus           = 0.15
	amountInRangeBonus  = 0.10
	perDayDatePenalty   = 0.02
	generationLookahead = 3
)

// Clock supplies the current time; tests substitute a fixed one.
type Clock func() time.Time

// Matcher resolves documents against the template store and scheduler.
type Matcher struct {
	store     store.Store
	templates *templates.Service
	scheduler *scheduler.Scheduler
	periods   *period.Service
	engine    *fingerprint.Engine
	log       logger.Logger
	now       Clock
}

// New creates a Matcher. log and clock may be nil.
func New(st store.Store, templateService *templates.Service, sched *scheduler.Scheduler,
	periods *period.Service, engine *fingerprint.Engine, log logger.Logger, clock Clock) *Matcher {
	if log == nil {
		log = logger.Global()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Matcher{
		store:     st,
		templates: templateService,
		scheduler: sched,
		periods:   periods,
		engine:    engine,
		log:       log.WithComponent("matcher"),
		now:       clock,
	}
}

// Result describes a successful binding.
type Result struct {
	Document *models.Document
	Template *models.Template
	Instance *models.RecurringInstance

	// Score is advisory confidence in [0, 1]; Reasons explain it.
	Score   float64
	Reasons []string
}

// FingerprintDocument computes and persists the document's vendor
// fingerprint. Run before Match for freshly captured documents.
func (m *Matcher) FingerprintDocument(doc *models.Document) error {
	fp := m.engine.Fingerprint(doc.VendorName, doc.TaxID, &doc.Amount)
	doc.VendorFingerprint = fp.Digest
	return m.store.Documents().Update(doc)
}

// Match attempts to bind the document to an existing template and the
// instance for its due-date period. A nil result means no match; the
// document is left untouched.
func (m *Matcher) Match(doc *models.Document) (*Result, error) {
	// Structurally unmatchable documents are silently skipped.
	if doc.VendorFingerprint == "" || !doc.HasDueDate() {
		return nil, nil
	}

	template, err := m.resolveTemplate(doc)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, nil
	}

	// An explicit template overrides any category heuristic: the user
	// created it, so classifier output never vetoes the match. Only an
	// inactive template rejects here.
	if !template.Active {
		return nil, nil
	}

	instance, err := m.resolveInstance(template, *doc.DueDate)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, nil
	}

	if !instance.Matchable() {
		return nil, nil
	}
	deviationDays := m.periods.DaysBetween(instance.ExpectedDueDate, *doc.DueDate)
	if deviationDays < 0 {
		deviationDays = -deviationDays
	}
	if deviationDays > template.ToleranceDays {
		return nil, nil
	}

	score, reasons := m.score(doc, template, deviationDays)

	if err := m.attachDocument(doc, template, instance); err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{
		"document_id": doc.ID,
		"template_id": template.ID,
		"period":      instance.PeriodKey,
		"score":       score,
	}).Info("document matched")

	return &Result{
		Document: doc,
		Template: template,
		Instance: instance,
		Score:    score,
		Reasons:  reasons,
	}, nil
}

// resolveTemplate looks up the exact full fingerprint first, then falls
// back to the vendor-only amount-range lookup.
func (m *Matcher) resolveTemplate(doc *models.Document) (*models.Template, error) {
	template, err := m.store.Templates().ByFingerprint(doc.VendorFingerprint)
	if err != nil {
		return nil, err
	}
	if template != nil {
		return template, nil
	}
	return m.templates.FindBestMatchingTemplate(doc.VendorName, doc.TaxID, doc.Amount)
}

// resolveInstance fetches the instance for the document's period,
// generating the look-ahead window when absent. The re-fetch after
// generation absorbs the race where two documents for the same vendor and
// period trigger concurrent generation; if the re-fetch still misses, the
// just-generated batch is scanned before giving up.
func (m *Matcher) resolveInstance(template *models.Template, dueDate time.Time) (*models.RecurringInstance, error) {
	periodKey := m.periods.PeriodKey(dueDate)

	instance, err := m.store.Instances().ByTemplateAndPeriod(template.ID, periodKey)
	if err != nil {
		return nil, err
	}
	if instance != nil {
		return instance, nil
	}

	batch, err := m.scheduler.GenerateInstances(template, generationLookahead)
	if err != nil {
		return nil, err
	}

	instance, err = m.store.Instances().ByTemplateAndPeriod(template.ID, periodKey)
	if err != nil {
		return nil, err
	}
	if instance != nil {
		return instance, nil
	}
	for _, generated := range batch {
		if generated.PeriodKey == periodKey {
			return generated, nil
		}
	}
	return nil, nil
}

func (m *Matcher) score(doc *models.Document, template *models.Template, deviationDays int) (float64, []string) {
	score := baseScore
	reasons := []string{"vendor and period agree"}

	if doc.IBAN != "" && template.IBAN != "" && doc.IBAN == template.IBAN {
		score += ibanBonus
		reasons = append(reasons, "IBAN matches")
	}
	if template.ContainsAmount(doc.Amount) {
		score += amountInRangeBonus
		reasons = append(reasons, "amount within learned range")
	}
	if deviationDays > 0 {
		score -= perDayDatePenalty * float64(deviationDays)
		reasons = append(reasons, fmt.Sprintf("due date off by %d days", deviationDays))
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, reasons
}

// attachDocument commits the binding: the instance takes the document's
// actuals and transitions to matched, the document takes both links, the
// template's counter and learned range grow, and reminders are rescheduled
// against the now-final due date.
func (m *Matcher) attachDocument(doc *models.Document, template *models.Template, instance *models.RecurringInstance) error {
	now := m.now()

	actualAmount := doc.Amount
	instance.Status = models.StatusMatched
	instance.MatchedDocumentID = doc.ID
	instance.ActualDueDate = doc.DueDate
	instance.ActualAmount = &actualAmount
	instance.InvoiceNumber = doc.InvoiceNumber
	instance.UpdatedAt = now
	if err := m.store.Instances().Update(instance); err != nil {
		return err
	}

	doc.RecurringTemplateID = template.ID
	doc.RecurringInstanceID = instance.ID
	if err := m.store.Documents().Update(doc); err != nil {
		return err
	}

	template.MatchedCount++
	template.UpdatedAt = now
	if err := m.store.Templates().Update(template); err != nil {
		return err
	}
	if err := m.templates.WidenAmountRange(template, doc.Amount); err != nil {
		return err
	}

	return m.scheduler.UpdateNotificationsAfterMatch(template, instance)
}
