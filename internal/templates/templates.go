// Package templates implements the template store: CRUD over recurring
// payment definitions, cascading deletes, and the amount-based lookup and
// fuzzy-match queries the matcher builds on.
package templates

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"recurring-payments-engine/internal/effects"
	"recurring-payments-engine/internal/fingerprint"
	"recurring-payments-engine/internal/models"
	"recurring-payments-engine/internal/period"
	"recurring-payments-engine/internal/store"
	engerrors "recurring-payments-engine/pkg/errors"
	"recurring-payments-engine/pkg/logger"
)

// Clock supplies the current time; tests substitute a fixed one.
type Clock func() time.Time

// Service is the template store.
type Service struct {
	config     *Config
	store      store.Store
	engine     *fingerprint.Engine
	periods    *period.Service
	dispatcher *effects.Dispatcher
	log        logger.Logger
	now        Clock
}

// NewService creates a template store. config, log, and clock may be nil.
func NewService(config *Config, st store.Store, engine *fingerprint.Engine,
	periods *period.Service, dispatcher *effects.Dispatcher, log logger.Logger, clock Clock) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, engerrors.Configuration("templates", err.Error())
	}
	if log == nil {
		log = logger.Global()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		config:     config,
		store:      st,
		engine:     engine,
		periods:    periods,
		dispatcher: dispatcher,
		log:        log.WithComponent("templates"),
		now:        clock,
	}, nil
}

// CreateInput carries the document-derived fields for template creation.
type CreateInput struct {
	DocumentID      string
	VendorName      string
	TaxID           string
	Amount          decimal.Decimal
	Currency        string
	DueDate         *time.Time
	IBAN            string
	Category        string
	ShortName       string
	ReminderOffsets []int
	ToleranceDays   int
	Source          models.TemplateSource
}

// Create creates a template from document-derived fields. The source due
// date is required (the expected day of month is derived from it); a
// template with the identical full fingerprint must not already exist.
func (s *Service) Create(input CreateInput) (*models.Template, error) {
	if input.DueDate == nil || input.DueDate.IsZero() {
		return nil, engerrors.MissingDueDate(input.DocumentID)
	}

	fp := s.engine.Fingerprint(input.VendorName, input.TaxID, &input.Amount)
	if existing, err := s.store.Templates().ByFingerprint(fp.Digest); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, engerrors.TemplateExists(fp.Digest, existing.ID)
	}

	now := s.now()
	template := &models.Template{
		ID:                    models.NewID(),
		VendorFingerprint:     fp.Digest,
		VendorOnlyFingerprint: fp.VendorOnlyDigest,
		AmountBucket:          fp.Bucket,
		VendorName:            input.VendorName,
		ShortName:             input.ShortName,
		Category:              input.Category,
		ExpectedDueDay:        input.DueDate.In(s.periods.Location()).Day(),
		ToleranceDays:         s.toleranceOrDefault(input.ToleranceDays),
		ReminderOffsets:       s.offsetsOrDefault(input.ReminderOffsets),
		AmountMin:             input.Amount,
		AmountMax:             input.Amount,
		Currency:              input.Currency,
		IBAN:                  input.IBAN,
		Active:                true,
		Source:                input.Source,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if template.Source == "" {
		template.Source = models.SourceManual
	}
	if err := s.store.Templates().Insert(template); err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		"template_id": template.ID,
		"vendor":      template.VendorName,
		"fallback":    fp.IsFallback,
	}).Info("template created")
	return template, nil
}

// CreateFromCandidate creates a template from an accepted detection
// candidate, then marks the candidate accepted and stamps it with the new
// template's ID.
func (s *Service) CreateFromCandidate(candidate *models.Candidate, category string) (*models.Template, error) {
	fp := s.engine.Fingerprint(candidate.VendorName, "", &candidate.AmountAvg)
	if existing, err := s.store.Templates().ByFingerprint(fp.Digest); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, engerrors.TemplateExists(fp.Digest, existing.ID)
	}

	dueDay := candidate.DominantDueDay
	if dueDay < 1 || dueDay > 31 {
		dueDay = 1
	}

	now := s.now()
	template := &models.Template{
		ID:                    models.NewID(),
		VendorFingerprint:     fp.Digest,
		VendorOnlyFingerprint: fp.VendorOnlyDigest,
		AmountBucket:          fp.Bucket,
		VendorName:            candidate.VendorName,
		Category:              category,
		ExpectedDueDay:        dueDay,
		ToleranceDays:         s.config.DefaultToleranceDays,
		ReminderOffsets:       append([]int(nil), s.config.DefaultReminderOffsets...),
		AmountMin:             candidate.AmountMin,
		AmountMax:             candidate.AmountMax,
		Currency:              candidate.Currency,
		IBAN:                  candidate.StableIBAN,
		Active:                true,
		Source:                models.SourceDetected,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Templates().Insert(template); err != nil {
		return nil, err
	}

	candidate.Accepted = true
	candidate.CreatedTemplateID = template.ID
	candidate.UpdatedAt = now
	if err := s.store.Candidates().Update(candidate); err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		"template_id":  template.ID,
		"candidate_id": candidate.ID,
	}).Info("template created from candidate")
	return template, nil
}

// ByID fetches a template, failing with a structural error when absent.
func (s *Service) ByID(id string) (*models.Template, error) {
	t, err := s.store.Templates().ByID(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, engerrors.TemplateNotFound(id)
	}
	return t, nil
}

// ByFingerprint fetches the template with the given full fingerprint, nil
// when absent.
func (s *Service) ByFingerprint(fp string) (*models.Template, error) {
	return s.store.Templates().ByFingerprint(fp)
}

// ByVendorOnlyFingerprint fetches all templates sharing vendor identity
// regardless of amount bucket.
func (s *Service) ByVendorOnlyFingerprint(fp string) ([]*models.Template, error) {
	return s.store.Templates().ByVendorOnlyFingerprint(fp)
}

// Active fetches all active templates.
func (s *Service) Active() ([]*models.Template, error) {
	return s.store.Templates().Active()
}

// All fetches every template, active or not.
func (s *Service) All() ([]*models.Template, error) {
	return s.store.Templates().All()
}

// UpdatePatch carries optional field updates; nil fields stay unchanged.
type UpdatePatch struct {
	ShortName       *string
	Category        *string
	ExpectedDueDay  *int
	ToleranceDays   *int
	ReminderOffsets *[]int
	IBAN            *string
	Active          *bool
}

// Update applies a partial update and stamps UpdatedAt.
func (s *Service) Update(id string, patch UpdatePatch) (*models.Template, error) {
	template, err := s.ByID(id)
	if err != nil {
		return nil, err
	}
	if patch.ShortName != nil {
		template.ShortName = *patch.ShortName
	}
	if patch.Category != nil {
		template.Category = *patch.Category
	}
	if patch.ExpectedDueDay != nil {
		template.ExpectedDueDay = *patch.ExpectedDueDay
	}
	if patch.ToleranceDays != nil {
		template.ToleranceDays = *patch.ToleranceDays
	}
	if patch.ReminderOffsets != nil {
		template.ReminderOffsets = append([]int(nil), (*patch.ReminderOffsets)...)
	}
	if patch.IBAN != nil {
		template.IBAN = *patch.IBAN
	}
	if patch.Active != nil {
		template.Active = *patch.Active
	}
	template.UpdatedAt = s.now()
	if err := s.store.Templates().Update(template); err != nil {
		return nil, err
	}
	return template, nil
}

// Deactivate soft-deletes a template.
func (s *Service) Deactivate(id string) (*models.Template, error) {
	inactive := false
	return s.Update(id, UpdatePatch{Active: &inactive})
}

// WidenAmountRange widens the template's learned [min, max] range to
// include amount. The range never narrows.
func (s *Service) WidenAmountRange(template *models.Template, amount decimal.Decimal) error {
	changed := false
	if amount.LessThan(template.AmountMin) {
		template.AmountMin = amount
		changed = true
	}
	if amount.GreaterThan(template.AmountMax) {
		template.AmountMax = amount
		changed = true
	}
	if !changed {
		return nil
	}
	template.UpdatedAt = s.now()
	return s.store.Templates().Update(template)
}

// Delete hard-deletes a template and cascades: every owned instance is
// deleted (with its reminders cancelled and calendar event removed), and
// every document referencing the template or any of its instances has both
// link fields cleared. No orphaned links survive.
func (s *Service) Delete(id string) error {
	template, err := s.ByID(id)
	if err != nil {
		return err
	}

	instances, err := s.store.Instances().ByTemplate(id)
	if err != nil {
		return err
	}
	for _, instance := range instances {
		doc, err := s.store.Documents().ByInstance(instance.ID)
		if err != nil {
			return err
		}
		if doc != nil {
			doc.ClearRecurringLinks()
			if err := s.store.Documents().Update(doc); err != nil {
				return err
			}
		}

		var intents []effects.Intent
		if len(instance.ReminderIDs) > 0 {
			intents = append(intents, effects.CancelReminders{IDs: instance.ReminderIDs})
		}
		if instance.CalendarEventID != "" {
			intents = append(intents, effects.DeleteCalendarEvent{EventID: instance.CalendarEventID})
		}
		if s.dispatcher != nil && len(intents) > 0 {
			s.dispatcher.Run(intents)
		}

		if err := s.store.Instances().Delete(instance.ID); err != nil {
			return err
		}
	}

	// Documents linked to the template directly (e.g. matched before any
	// instance existed, or left behind by an earlier partial cleanup).
	docs, err := s.store.Documents().ByTemplate(id)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		doc.ClearRecurringLinks()
		if err := s.store.Documents().Update(doc); err != nil {
			return err
		}
	}

	if err := s.store.Templates().Delete(id); err != nil {
		return err
	}
	s.log.WithFields(logger.Fields{
		"template_id": id,
		"vendor":      template.VendorName,
		"instances":   len(instances),
	}).Info("template deleted with cascade")
	return nil
}

// FindBestMatchingTemplate resolves a template for a vendor and amount:
// exact full-fingerprint lookup first; on miss, among active vendor-only
// templates whose learned range contains the amount, the one with the
// narrowest range wins. Ties break to the lowest template ID. Returns nil
// when nothing qualifies.
func (s *Service) FindBestMatchingTemplate(vendorName, taxID string, amount decimal.Decimal) (*models.Template, error) {
	fp := s.engine.Fingerprint(vendorName, taxID, &amount)

	exact, err := s.store.Templates().ByFingerprint(fp.Digest)
	if err != nil {
		return nil, err
	}
	if exact != nil {
		return exact, nil
	}

	related, err := s.store.Templates().ByVendorOnlyFingerprint(fp.VendorOnlyDigest)
	if err != nil {
		return nil, err
	}

	var best *models.Template
	for _, t := range related {
		if !t.Active || !t.ContainsAmount(amount) {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		switch t.RangeWidth().Cmp(best.RangeWidth()) {
		case -1:
			best = t
		case 0:
			if t.ID < best.ID {
				best = t
			}
		}
	}
	return best, nil
}

func (s *Service) toleranceOrDefault(tolerance int) int {
	if tolerance > 0 {
		return tolerance
	}
	return s.config.DefaultToleranceDays
}

func (s *Service) offsetsOrDefault(offsets []int) []int {
	if len(offsets) > 0 {
		return append([]int(nil), offsets...)
	}
	return append([]int(nil), s.config.DefaultReminderOffsets...)
}

// sortCandidatesByCloseness orders fuzzy candidates by deviation, then ID.
func sortCandidatesByCloseness(candidates []FuzzyCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DeviationPercent != candidates[j].DeviationPercent {
			return candidates[i].DeviationPercent < candidates[j].DeviationPercent
		}
		return candidates[i].Template.ID < candidates[j].Template.ID
	})
}
