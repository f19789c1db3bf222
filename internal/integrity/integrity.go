// Package integrity repairs referential damage between documents, templates,
// and instances, and detects templates that have silently absorbed two
// distinct recurring obligations.
//
// The cleanup operations are the enforcement arm of the referential rule in
// the models package: after a sweep, every surviving back-reference resolves.
// Detection operations (vendor drift, bucket analysis) are advisory and
// mutate nothing; splits mutate only when explicitly applied or when the
// automatic-migration gates hold.
package integrity

import (
	"fmt"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"recurring-payments-engine/internal/effects"
	"recurring-payments-engine/internal/fingerprint"
	"recurring-payments-engine/internal/models"
	"recurring-payments-engine/internal/store"
	engerrors "recurring-payments-engine/pkg/errors"
	"recurring-payments-engine/pkg/logger"
)

// driftDistanceMax is the maximum edit distance between two loose vendor
// keys still considered the same vendor for drift detection.
const driftDistanceMax = 2

// Service runs integrity sweeps and template migrations.
type Service struct {
	config     *SplitConfig
	store      store.Store
	engine     *fingerprint.Engine
	dispatcher *effects.Dispatcher
	log        logger.Logger
}

// New creates an integrity Service. config, log may be nil.
func New(config *SplitConfig, st store.Store, engine *fingerprint.Engine, dispatcher *effects.Dispatcher, log logger.Logger) (*Service, error) {
	if config == nil {
		config = DefaultSplitConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, engerrors.Configuration("integrity", err.Error())
	}
	if log == nil {
		log = logger.Global()
	}
	return &Service{
		config:     config,
		store:      st,
		engine:     engine,
		dispatcher: dispatcher,
		log:        log.WithComponent("integrity"),
	}, nil
}

// Report summarizes one repair sweep.
type Report struct {
	OrphanedInstancesRemoved       int `json:"orphaned_instances_removed"`
	OrphanedDocumentLinksCleared   int `json:"orphaned_document_links_cleared"`
	MismatchedDocumentLinksFixed   int `json:"mismatched_document_links_fixed"`
	DanglingMatchReferencesCleared int `json:"dangling_match_references_cleared"`
	OrphanedCandidatesRemoved      int `json:"orphaned_candidates_removed"`
}

// Sweep runs every cleanup operation and returns the combined report.
func (s *Service) Sweep() (*Report, error) {
	report := &Report{}

	removed, err := s.CleanupOrphanedInstances()
	if err != nil {
		return nil, err
	}
	report.OrphanedInstancesRemoved = removed

	cleared, fixed, err := s.CleanupOrphanedDocumentReferences()
	if err != nil {
		return nil, err
	}
	report.OrphanedDocumentLinksCleared = cleared
	report.MismatchedDocumentLinksFixed = fixed

	matches, err := s.CleanupDanglingMatchReferences()
	if err != nil {
		return nil, err
	}
	report.DanglingMatchReferencesCleared = matches

	candidates, err := s.CleanupOrphanedCandidates()
	if err != nil {
		return nil, err
	}
	report.OrphanedCandidatesRemoved = candidates

	s.log.WithFields(logger.Fields{
		"instances_removed":  report.OrphanedInstancesRemoved,
		"links_cleared":      report.OrphanedDocumentLinksCleared,
		"links_fixed":        report.MismatchedDocumentLinksFixed,
		"matches_cleared":    report.DanglingMatchReferencesCleared,
		"candidates_removed": report.OrphanedCandidatesRemoved,
	}).Info("integrity sweep completed")
	return report, nil
}

// CleanupOrphanedInstances deletes instances whose template no longer
// exists. Each orphan's reminders are cancelled and its calendar event
// deleted (best effort), and any document still pointing at it has both
// links cleared. Returns the number of instances removed.
func (s *Service) CleanupOrphanedInstances() (int, error) {
	instances, err := s.store.Instances().All()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, instance := range instances {
		template, err := s.store.Templates().ByID(instance.TemplateID)
		if err != nil {
			return removed, err
		}
		if template != nil {
			continue
		}

		doc, err := s.store.Documents().ByInstance(instance.ID)
		if err != nil {
			return removed, err
		}
		if doc != nil {
			doc.ClearRecurringLinks()
			if err := s.store.Documents().Update(doc); err != nil {
				return removed, err
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
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// CleanupOrphanedDocumentReferences repairs documents whose recurring links
// no longer resolve. A link to a missing template or instance clears both
// link fields; a document whose instance survived a re-homing has its
// template link corrected instead. Returns (cleared, fixed).
func (s *Service) CleanupOrphanedDocumentReferences() (int, int, error) {
	docs, err := s.store.Documents().Linked()
	if err != nil {
		return 0, 0, err
	}

	cleared, fixed := 0, 0
	for _, doc := range docs {
		var instance *models.RecurringInstance
		if doc.RecurringInstanceID != "" {
			instance, err = s.store.Instances().ByID(doc.RecurringInstanceID)
			if err != nil {
				return cleared, fixed, err
			}
			if instance == nil {
				doc.ClearRecurringLinks()
				if err := s.store.Documents().Update(doc); err != nil {
					return cleared, fixed, err
				}
				cleared++
				continue
			}
		}

		if doc.RecurringTemplateID != "" {
			template, err := s.store.Templates().ByID(doc.RecurringTemplateID)
			if err != nil {
				return cleared, fixed, err
			}
			if template == nil {
				if instance != nil && instance.TemplateID != "" {
					// The instance was re-homed to another template; follow it.
					doc.RecurringTemplateID = instance.TemplateID
					if err := s.store.Documents().Update(doc); err != nil {
						return cleared, fixed, err
					}
					fixed++
					continue
				}
				doc.ClearRecurringLinks()
				if err := s.store.Documents().Update(doc); err != nil {
					return cleared, fixed, err
				}
				cleared++
				continue
			}
		}

		if instance != nil && doc.RecurringTemplateID != "" && instance.TemplateID != doc.RecurringTemplateID {
			doc.RecurringTemplateID = instance.TemplateID
			if err := s.store.Documents().Update(doc); err != nil {
				return cleared, fixed, err
			}
			fixed++
		}
	}
	return cleared, fixed, nil
}

// CleanupDanglingMatchReferences clears instance match claims that no longer
// resolve: the matched document was deleted, or it was re-linked to a
// different instance. The actuals copied from the document fall away with the
// claim, and a matched instance reverts to expected so a future document can
// bind the period again. Paid instances keep their status; the payment
// happened regardless of the lost scan. Returns the number of instances
// cleared.
func (s *Service) CleanupDanglingMatchReferences() (int, error) {
	instances, err := s.store.Instances().All()
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, instance := range instances {
		if instance.MatchedDocumentID == "" {
			continue
		}
		doc, err := s.store.Documents().ByID(instance.MatchedDocumentID)
		if err != nil {
			return cleared, err
		}
		if doc != nil && doc.RecurringInstanceID == instance.ID {
			continue
		}
		instance.MatchedDocumentID = ""
		instance.ActualDueDate = nil
		instance.ActualAmount = nil
		instance.InvoiceNumber = ""
		if instance.Status == models.StatusMatched {
			instance.Status = models.StatusExpected
		}
		if err := s.store.Instances().Update(instance); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// CleanupOrphanedCandidates deletes candidates whose created template was
// since removed; detection will re-propose the pattern from the surviving
// documents. Returns the number of candidates deleted.
func (s *Service) CleanupOrphanedCandidates() (int, error) {
	candidates, err := s.store.Candidates().All()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, candidate := range candidates {
		if candidate.CreatedTemplateID == "" {
			continue
		}
		template, err := s.store.Templates().ByID(candidate.CreatedTemplateID)
		if err != nil {
			return removed, err
		}
		if template != nil {
			continue
		}
		if err := s.store.Candidates().Delete(candidate.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ValidateIntegrity inspects the store without mutating it and returns one
// human-readable line per discrepancy found. An empty slice means the store
// is consistent.
func (s *Service) ValidateIntegrity() ([]string, error) {
	var discrepancies []string

	instances, err := s.store.Instances().All()
	if err != nil {
		return nil, err
	}
	for _, instance := range instances {
		template, err := s.store.Templates().ByID(instance.TemplateID)
		if err != nil {
			return nil, err
		}
		if template == nil {
			discrepancies = append(discrepancies,
				fmt.Sprintf("instance %s references missing template %s", instance.ID, instance.TemplateID))
		}
		if instance.MatchedDocumentID != "" {
			doc, err := s.store.Documents().ByID(instance.MatchedDocumentID)
			if err != nil {
				return nil, err
			}
			switch {
			case doc == nil:
				discrepancies = append(discrepancies,
					fmt.Sprintf("instance %s references missing document %s", instance.ID, instance.MatchedDocumentID))
			case doc.RecurringInstanceID != instance.ID:
				discrepancies = append(discrepancies,
					fmt.Sprintf("instance %s claims document %s but the document does not point back", instance.ID, doc.ID))
			}
		}
	}

	docs, err := s.store.Documents().Linked()
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.RecurringTemplateID != "" {
			template, err := s.store.Templates().ByID(doc.RecurringTemplateID)
			if err != nil {
				return nil, err
			}
			if template == nil {
				discrepancies = append(discrepancies,
					fmt.Sprintf("document %s references missing template %s", doc.ID, doc.RecurringTemplateID))
			}
		}
		if doc.RecurringInstanceID != "" {
			instance, err := s.store.Instances().ByID(doc.RecurringInstanceID)
			if err != nil {
				return nil, err
			}
			if instance == nil {
				discrepancies = append(discrepancies,
					fmt.Sprintf("document %s references missing instance %s", doc.ID, doc.RecurringInstanceID))
			} else if doc.RecurringTemplateID != "" && instance.TemplateID != doc.RecurringTemplateID {
				discrepancies = append(discrepancies,
					fmt.Sprintf("document %s links template %s but its instance belongs to template %s",
						doc.ID, doc.RecurringTemplateID, instance.TemplateID))
			}
		}
	}

	candidates, err := s.store.Candidates().All()
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if candidate.CreatedTemplateID == "" {
			continue
		}
		template, err := s.store.Templates().ByID(candidate.CreatedTemplateID)
		if err != nil {
			return nil, err
		}
		if template == nil {
			discrepancies = append(discrepancies,
				fmt.Sprintf("candidate %s references missing template %s", candidate.ID, candidate.CreatedTemplateID))
		}
	}

	return discrepancies, nil
}

// DriftGroup is a set of templates believed to describe the same vendor
// under drifted spellings (so their fingerprints no longer collide).
type DriftGroup struct {
	Representative string   `json:"representative"`
	VendorNames    []string `json:"vendor_names"`
	TemplateIDs    []string `json:"template_ids"`
}

// DetectVendorFingerprintChanges finds templates whose vendor names are near
// duplicates under the loose key (normalized, whitespace removed, edit
// distance at most two) yet carry distinct vendor-only fingerprints. Purely
// advisory; nothing is merged automatically.
func (s *Service) DetectVendorFingerprintChanges() ([]DriftGroup, error) {
	templates, err := s.store.Templates().All()
	if err != nil {
		return nil, err
	}

	type member struct {
		key      string
		template *models.Template
	}
	members := make([]member, 0, len(templates))
	for _, t := range templates {
		members = append(members, member{key: s.engine.LooseKey(t.VendorName), template: t})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	// Single-linkage grouping over loose keys.
	assigned := make([]bool, len(members))
	var groups []DriftGroup
	for i := range members {
		if assigned[i] {
			continue
		}
		cluster := []int{i}
		assigned[i] = true
		for j := i + 1; j < len(members); j++ {
			if assigned[j] {
				continue
			}
			for _, k := range cluster {
				if looseKeysRelated(members[k].key, members[j].key) {
					cluster = append(cluster, j)
					assigned[j] = true
					break
				}
			}
		}
		if len(cluster) < 2 {
			continue
		}

		fingerprints := make(map[string]struct{})
		group := DriftGroup{Representative: members[cluster[0]].key}
		for _, k := range cluster {
			t := members[k].template
			fingerprints[t.VendorOnlyFingerprint] = struct{}{}
			group.VendorNames = append(group.VendorNames, t.VendorName)
			group.TemplateIDs = append(group.TemplateIDs, t.ID)
		}
		if len(fingerprints) < 2 {
			continue
		}
		sort.Strings(group.VendorNames)
		sort.Strings(group.TemplateIDs)
		groups = append(groups, group)
	}
	return groups, nil
}

func looseKeysRelated(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	return levenshtein.ComputeDistance(a, b) <= driftDistanceMax
}

// BucketGroup is one amount bucket's worth of documents linked to a
// template.
type BucketGroup struct {
	Bucket        string          `json:"bucket"`
	DocumentIDs   []string        `json:"document_ids"`
	AverageAmount decimal.Decimal `json:"average_amount"`
	SuggestedName string          `json:"suggested_name"`
}

// TemplateAnalysis is the result of grouping a template's linked documents
// by amount bucket.
type TemplateAnalysis struct {
	Template   *models.Template `json:"template"`
	Buckets    []BucketGroup    `json:"buckets"`
	NeedsSplit bool             `json:"needs_split"`
}

// AnalyzeTemplate groups the template's linked documents by amount bucket.
// More than one populated bucket suggests the template has absorbed two
// distinct obligations from the same vendor (a card payment and a loan, for
// example) and is a split candidate. Buckets are ordered by ascending
// average amount.
func (s *Service) AnalyzeTemplate(templateID string) (*TemplateAnalysis, error) {
	template, err := s.store.Templates().ByID(templateID)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, engerrors.TemplateNotFound(templateID)
	}

	docs, err := s.store.Documents().ByTemplate(templateID)
	if err != nil {
		return nil, err
	}

	type acc struct {
		ids []string
		sum decimal.Decimal
	}
	byBucket := make(map[string]*acc)
	for _, doc := range docs {
		bucket := fingerprint.AmountBucket(doc.Amount)
		group, ok := byBucket[bucket]
		if !ok {
			group = &acc{}
			byBucket[bucket] = group
		}
		group.ids = append(group.ids, doc.ID)
		group.sum = group.sum.Add(doc.Amount)
	}

	analysis := &TemplateAnalysis{Template: template}
	for bucket, group := range byBucket {
		avg := group.sum.Div(decimal.NewFromInt(int64(len(group.ids))))
		sort.Strings(group.ids)
		analysis.Buckets = append(analysis.Buckets, BucketGroup{
			Bucket:        bucket,
			DocumentIDs:   group.ids,
			AverageAmount: avg,
			SuggestedName: fmt.Sprintf("%s ~%s", template.DisplayName(), avg.Round(0).String()),
		})
	}
	sort.Slice(analysis.Buckets, func(i, j int) bool {
		return analysis.Buckets[i].AverageAmount.LessThan(analysis.Buckets[j].AverageAmount)
	})
	analysis.NeedsSplit = len(analysis.Buckets) > 1
	return analysis, nil
}

// SplitResult describes the outcome of one template split.
type SplitResult struct {
	Original *models.Template   `json:"original"`
	Created  []*models.Template `json:"created"`
}

// SplitTemplate splits an analyzed template along its amount buckets. The
// original keeps the keepBucket group (re-keyed to that bucket, range
// narrowed to its documents); every other bucket becomes a new template, and
// the documents and instances of those buckets are re-homed onto it.
func (s *Service) SplitTemplate(analysis *TemplateAnalysis, keepBucket string) (*SplitResult, error) {
	if !analysis.NeedsSplit {
		return nil, engerrors.Configuration("split", "template has a single amount bucket, nothing to split")
	}

	var keep *BucketGroup
	for i := range analysis.Buckets {
		if analysis.Buckets[i].Bucket == keepBucket {
			keep = &analysis.Buckets[i]
			break
		}
	}
	if keep == nil {
		return nil, engerrors.Configuration("split", fmt.Sprintf("bucket %s not present in analysis", keepBucket))
	}

	template := analysis.Template
	result := &SplitResult{Original: template}

	for i := range analysis.Buckets {
		group := &analysis.Buckets[i]
		if group.Bucket == keepBucket {
			continue
		}
		created, err := s.splitOffBucket(template, group)
		if err != nil {
			return nil, err
		}
		result.Created = append(result.Created, created)
	}

	// Re-key the original last so the UNIQUE fingerprint never collides
	// with a template created above.
	min, max, err := s.amountRange(keep.DocumentIDs)
	if err != nil {
		return nil, err
	}
	template.AmountBucket = keepBucket
	template.VendorFingerprint = s.engine.FingerprintForBucket(template.VendorOnlyFingerprint, keepBucket)
	template.AmountMin = min
	template.AmountMax = max
	template.MatchedCount = len(keep.DocumentIDs)
	if err := s.store.Templates().Update(template); err != nil {
		return nil, err
	}

	s.log.WithFields(logger.Fields{
		"template_id": template.ID,
		"kept_bucket": keepBucket,
		"created":     len(result.Created),
	}).Info("template split by amount bucket")
	return result, nil
}

// splitOffBucket creates a sibling template for one bucket group and
// re-homes the group's documents and their instances onto it.
func (s *Service) splitOffBucket(template *models.Template, group *BucketGroup) (*models.Template, error) {
	min, max, err := s.amountRange(group.DocumentIDs)
	if err != nil {
		return nil, err
	}

	created := &models.Template{
		ID:                    models.NewID(),
		VendorFingerprint:     s.engine.FingerprintForBucket(template.VendorOnlyFingerprint, group.Bucket),
		VendorOnlyFingerprint: template.VendorOnlyFingerprint,
		AmountBucket:          group.Bucket,
		VendorName:            template.VendorName,
		ShortName:             group.SuggestedName,
		Category:              template.Category,
		ExpectedDueDay:        template.ExpectedDueDay,
		ToleranceDays:         template.ToleranceDays,
		ReminderOffsets:       append([]int(nil), template.ReminderOffsets...),
		AmountMin:             min,
		AmountMax:             max,
		Currency:              template.Currency,
		IBAN:                  template.IBAN,
		Active:                template.Active,
		Source:                template.Source,
		MatchedCount:          len(group.DocumentIDs),
		CreatedAt:             template.CreatedAt,
		UpdatedAt:             template.UpdatedAt,
	}
	if err := s.store.Templates().Insert(created); err != nil {
		return nil, err
	}

	for _, docID := range group.DocumentIDs {
		doc, err := s.store.Documents().ByID(docID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		if doc.RecurringInstanceID != "" {
			instance, err := s.store.Instances().ByID(doc.RecurringInstanceID)
			if err != nil {
				return nil, err
			}
			if instance != nil {
				instance.TemplateID = created.ID
				if err := s.store.Instances().Update(instance); err != nil {
					return nil, err
				}
			}
		}
		doc.RecurringTemplateID = created.ID
		if err := s.store.Documents().Update(doc); err != nil {
			return nil, err
		}
	}
	return created, nil
}

func (s *Service) amountRange(documentIDs []string) (decimal.Decimal, decimal.Decimal, error) {
	var min, max decimal.Decimal
	first := true
	for _, id := range documentIDs {
		doc, err := s.store.Documents().ByID(id)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if doc == nil {
			continue
		}
		if first {
			min, max = doc.Amount, doc.Amount
			first = false
			continue
		}
		if doc.Amount.LessThan(min) {
			min = doc.Amount
		}
		if doc.Amount.GreaterThan(max) {
			max = doc.Amount
		}
	}
	return min, max, nil
}

// MigrationReport summarizes one automatic-migration pass.
type MigrationReport struct {
	TemplatesAnalyzed int            `json:"templates_analyzed"`
	TemplatesSplit    int            `json:"templates_split"`
	Splits            []*SplitResult `json:"splits,omitempty"`
}

// PerformAutomaticMigration analyzes every template and splits the ones
// whose bucket structure proves two distinct obligations: every bucket must
// hold at least the configured minimum of documents, and the lowest and
// highest bucket averages must differ by more than the configured separation
// percentage of the lower one. The original template keeps its current
// bucket when still populated, otherwise the most populated one.
func (s *Service) PerformAutomaticMigration() (*MigrationReport, error) {
	templates, err := s.store.Templates().All()
	if err != nil {
		return nil, err
	}

	report := &MigrationReport{TemplatesAnalyzed: len(templates)}
	for _, template := range templates {
		analysis, err := s.AnalyzeTemplate(template.ID)
		if err != nil {
			return nil, err
		}
		if !s.shouldSplit(analysis) {
			continue
		}

		split, err := s.SplitTemplate(analysis, s.bucketToKeep(analysis))
		if err != nil {
			return nil, err
		}
		report.TemplatesSplit++
		report.Splits = append(report.Splits, split)
	}
	return report, nil
}

func (s *Service) shouldSplit(analysis *TemplateAnalysis) bool {
	if !analysis.NeedsSplit {
		return false
	}
	for _, group := range analysis.Buckets {
		if len(group.DocumentIDs) < s.config.MinDocumentsPerBucket {
			return false
		}
	}
	low := analysis.Buckets[0].AverageAmount
	high := analysis.Buckets[len(analysis.Buckets)-1].AverageAmount
	if !low.IsPositive() {
		return false
	}
	separation, _ := high.Sub(low).Div(low).Mul(decimal.NewFromInt(100)).Float64()
	return separation > s.config.MinAverageSeparationPercent
}

func (s *Service) bucketToKeep(analysis *TemplateAnalysis) string {
	current := analysis.Template.AmountBucket
	best := analysis.Buckets[0]
	for _, group := range analysis.Buckets {
		if group.Bucket == current {
			return current
		}
		if len(group.DocumentIDs) > len(best.DocumentIDs) {
			best = group
		}
	}
	return best.Bucket
}
