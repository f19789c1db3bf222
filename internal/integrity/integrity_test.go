package integrity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"recurring-payments-engine/internal/fingerprint"
	"recurring-payments-engine/internal/models"
	"recurring-payments-engine/internal/store"
	"recurring-payments-engine/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	return newTestServiceWithConfig(t, nil)
}

func newTestServiceWithConfig(t *testing.T, cfg *SplitConfig) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc, err := New(cfg, st, fingerprint.NewEngine(nil), nil, logger.Discard())
	if err != nil {
		t.Fatalf("integrity service: %v", err)
	}
	return svc, st
}

func insertTemplate(t *testing.T, st *store.MemoryStore, id, vendor string, amount int64) *models.Template {
	t.Helper()
	engine := fingerprint.NewEngine(nil)
	a := decimal.NewFromInt(amount)
	fp := engine.Fingerprint(vendor, "", &a)
	template := &models.Template{
		ID:                    id,
		VendorFingerprint:     fp.Digest,
		VendorOnlyFingerprint: fp.VendorOnlyDigest,
		AmountBucket:          fp.Bucket,
		VendorName:            vendor,
		ExpectedDueDay:        15,
		ToleranceDays:         3,
		AmountMin:             a,
		AmountMax:             a,
		Currency:              "PLN",
		Active:                true,
		Source:                models.SourceManual,
	}
	if err := st.Templates().Insert(template); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	return template
}

func insertInstance(t *testing.T, st *store.MemoryStore, id, templateID, periodKey string) *models.RecurringInstance {
	t.Helper()
	instance := &models.RecurringInstance{
		ID:              id,
		TemplateID:      templateID,
		PeriodKey:       periodKey,
		ExpectedDueDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Status:          models.StatusExpected,
		ReminderIDs:     []string{"rem-" + id},
	}
	if err := st.Instances().Insert(instance); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	return instance
}

func insertLinkedDocument(t *testing.T, st *store.MemoryStore, id, vendor string, amount int64, templateID, instanceID string) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:                  id,
		VendorName:          vendor,
		Amount:              decimal.NewFromInt(amount),
		Currency:            "PLN",
		RecurringTemplateID: templateID,
		RecurringInstanceID: instanceID,
	}
	if err := st.Documents().Insert(doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	return doc
}

func TestSweepRepairsOrphans(t *testing.T) {
	svc, st := newTestService(t)

	// A healthy template with its instance and document.
	healthy := insertTemplate(t, st, "healthy", "Orange Polska", 100)
	healthyInstance := insertInstance(t, st, "hi", healthy.ID, "2025-06")
	insertLinkedDocument(t, st, "hd", "Orange Polska", 100, healthy.ID, healthyInstance.ID)
	healthyInstance.MatchedDocumentID = "hd"
	healthyInstance.Status = models.StatusMatched
	st.Instances().Update(healthyInstance)

	// A template deleted out from under its instance and document.
	doomed := insertTemplate(t, st, "doomed", "Netflix", 43)
	orphanInstance := insertInstance(t, st, "oi", doomed.ID, "2025-06")
	insertLinkedDocument(t, st, "od", "Netflix", 43, doomed.ID, orphanInstance.ID)
	st.Templates().Delete(doomed.ID)

	// An accepted candidate whose template is gone.
	candidate := &models.Candidate{
		ID:                "c1",
		VendorName:        "Spotify",
		Accepted:          true,
		CreatedTemplateID: "gone",
	}
	st.Candidates().Insert(candidate)

	discrepancies, err := svc.ValidateIntegrity()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(discrepancies) == 0 {
		t.Fatal("expected discrepancies before the sweep")
	}

	report, err := svc.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.OrphanedInstancesRemoved != 1 {
		t.Errorf("OrphanedInstancesRemoved = %d, want 1", report.OrphanedInstancesRemoved)
	}
	if report.OrphanedCandidatesRemoved != 1 {
		t.Errorf("OrphanedCandidatesRemoved = %d, want 1", report.OrphanedCandidatesRemoved)
	}

	// The orphaned instance is gone and its document unlinked.
	if got, _ := st.Instances().ByID("oi"); got != nil {
		t.Error("orphaned instance survived")
	}
	orphanDoc, _ := st.Documents().ByID("od")
	if orphanDoc.IsLinked() {
		t.Error("orphaned document still linked")
	}
	// The candidate is gone; detection will re-propose the pattern.
	if got, _ := st.Candidates().ByID("c1"); got != nil {
		t.Error("orphaned candidate survived")
	}

	// The healthy trio is untouched.
	if got, _ := st.Instances().ByID("hi"); got == nil || got.Status != models.StatusMatched {
		t.Error("healthy instance was damaged")
	}
	if got, _ := st.Documents().ByID("hd"); !got.IsLinked() {
		t.Error("healthy document was unlinked")
	}

	// After the sweep the store validates clean.
	discrepancies, err = svc.ValidateIntegrity()
	if err != nil {
		t.Fatalf("validate after sweep: %v", err)
	}
	if len(discrepancies) != 0 {
		t.Errorf("discrepancies after sweep: %v", discrepancies)
	}
}

func TestSweepClearsDanglingMatchReferences(t *testing.T) {
	svc, st := newTestService(t)
	template := insertTemplate(t, st, "t1", "Orange Polska", 100)

	// A matched instance whose document was deleted out from under it.
	amount := decimal.NewFromInt(110)
	due := time.Date(2025, 6, 17, 0, 0, 0, 0, time.UTC)
	matched := insertInstance(t, st, "i1", template.ID, "2025-06")
	matched.Status = models.StatusMatched
	matched.MatchedDocumentID = "deleted-document"
	matched.ActualAmount = &amount
	matched.ActualDueDate = &due
	matched.InvoiceNumber = "FV/2025/06/17"
	st.Instances().Update(matched)

	// A paid instance in the same situation.
	paid := insertInstance(t, st, "i2", template.ID, "2025-05")
	paid.Status = models.StatusPaid
	paid.MatchedDocumentID = "also-deleted"
	st.Instances().Update(paid)

	report, err := svc.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.DanglingMatchReferencesCleared != 2 {
		t.Errorf("DanglingMatchReferencesCleared = %d, want 2", report.DanglingMatchReferencesCleared)
	}

	// The matched instance reverts to expected with its actuals dropped.
	got, _ := st.Instances().ByID("i1")
	if got.MatchedDocumentID != "" {
		t.Errorf("instance still references missing document %q", got.MatchedDocumentID)
	}
	if got.Status != models.StatusExpected {
		t.Errorf("status = %s, want expected", got.Status)
	}
	if got.ActualAmount != nil || got.ActualDueDate != nil || got.InvoiceNumber != "" {
		t.Error("actuals were not dropped with the claim")
	}

	// The paid instance keeps its status, only the reference is cleared.
	gotPaid, _ := st.Instances().ByID("i2")
	if gotPaid.MatchedDocumentID != "" || gotPaid.Status != models.StatusPaid {
		t.Errorf("paid instance = (%q, %s), want cleared reference and paid", gotPaid.MatchedDocumentID, gotPaid.Status)
	}

	discrepancies, err := svc.ValidateIntegrity()
	if err != nil {
		t.Fatalf("validate after sweep: %v", err)
	}
	if len(discrepancies) != 0 {
		t.Errorf("store does not validate clean after a completed sweep: %v", discrepancies)
	}
}

func TestCleanupClearsMatchClaimWhenDocumentRelinked(t *testing.T) {
	svc, st := newTestService(t)
	template := insertTemplate(t, st, "t1", "Orange Polska", 100)

	// The document moved on to a newer instance; the old claim is stale.
	current := insertInstance(t, st, "i2", template.ID, "2025-07")
	current.Status = models.StatusMatched
	current.MatchedDocumentID = "d1"
	st.Instances().Update(current)
	insertLinkedDocument(t, st, "d1", "Orange Polska", 100, template.ID, current.ID)

	stale := insertInstance(t, st, "i1", template.ID, "2025-06")
	stale.Status = models.StatusMatched
	stale.MatchedDocumentID = "d1"
	st.Instances().Update(stale)

	cleared, err := svc.CleanupDanglingMatchReferences()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}

	gotStale, _ := st.Instances().ByID("i1")
	if gotStale.MatchedDocumentID != "" || gotStale.Status != models.StatusExpected {
		t.Errorf("stale claim survived: (%q, %s)", gotStale.MatchedDocumentID, gotStale.Status)
	}
	gotCurrent, _ := st.Instances().ByID("i2")
	if gotCurrent.MatchedDocumentID != "d1" || gotCurrent.Status != models.StatusMatched {
		t.Error("resolving claim was damaged")
	}
}

func TestCleanupClearsDanglingDocumentLinks(t *testing.T) {
	svc, st := newTestService(t)

	// Document pointing at an instance that no longer exists.
	insertLinkedDocument(t, st, "d1", "Vendor", 100, "", "missing-instance")
	// Document pointing at a missing template with no instance to follow.
	insertLinkedDocument(t, st, "d2", "Vendor", 100, "missing-template", "")

	cleared, fixed, err := svc.CleanupOrphanedDocumentReferences()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleared != 2 || fixed != 0 {
		t.Errorf("cleanup = (%d cleared, %d fixed), want (2, 0)", cleared, fixed)
	}
	for _, id := range []string{"d1", "d2"} {
		if doc, _ := st.Documents().ByID(id); doc.IsLinked() {
			t.Errorf("document %s still linked", id)
		}
	}
}

func TestCleanupFollowsRehomedInstance(t *testing.T) {
	svc, st := newTestService(t)

	newHome := insertTemplate(t, st, "new-home", "Vendor", 100)
	instance := insertInstance(t, st, "i1", newHome.ID, "2025-06")
	// The document still names the old, deleted template but its instance
	// was re-homed.
	insertLinkedDocument(t, st, "d1", "Vendor", 100, "old-template", instance.ID)

	cleared, fixed, err := svc.CleanupOrphanedDocumentReferences()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cleared != 0 || fixed != 1 {
		t.Errorf("cleanup = (%d cleared, %d fixed), want (0, 1)", cleared, fixed)
	}
	doc, _ := st.Documents().ByID("d1")
	if doc.RecurringTemplateID != newHome.ID {
		t.Errorf("document template link = %s, want %s", doc.RecurringTemplateID, newHome.ID)
	}
}

func TestAnalyzeTemplateGroupsByBucket(t *testing.T) {
	svc, st := newTestService(t)

	// One template that absorbed a card payment (~500) and a loan (~1200).
	template := insertTemplate(t, st, "t1", "mBank", 500)
	instance1 := insertInstance(t, st, "i1", template.ID, "2025-03")
	instance2 := insertInstance(t, st, "i2", template.ID, "2025-04")
	instance3 := insertInstance(t, st, "i3", template.ID, "2025-05")
	instance4 := insertInstance(t, st, "i4", template.ID, "2025-06")
	insertLinkedDocument(t, st, "card1", "mBank", 500, template.ID, instance1.ID)
	insertLinkedDocument(t, st, "card2", "mBank", 510, template.ID, instance2.ID)
	insertLinkedDocument(t, st, "loan1", "mBank", 1200, template.ID, instance3.ID)
	insertLinkedDocument(t, st, "loan2", "mBank", 1190, template.ID, instance4.ID)

	analysis, err := svc.AnalyzeTemplate(template.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !analysis.NeedsSplit {
		t.Fatal("two buckets should flag a split")
	}
	if len(analysis.Buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(analysis.Buckets))
	}

	low, high := analysis.Buckets[0], analysis.Buckets[1]
	if low.Bucket != "bucket_500" || high.Bucket != "bucket_1200" {
		t.Errorf("buckets = %s, %s", low.Bucket, high.Bucket)
	}
	if !low.AverageAmount.Equal(decimal.NewFromInt(505)) {
		t.Errorf("low average = %s, want 505", low.AverageAmount)
	}
	if !high.AverageAmount.Equal(decimal.NewFromInt(1195)) {
		t.Errorf("high average = %s, want 1195", high.AverageAmount)
	}
	if high.SuggestedName != "mBank ~1195" {
		t.Errorf("suggested name = %q", high.SuggestedName)
	}
}

func TestSplitTemplate(t *testing.T) {
	svc, st := newTestService(t)

	template := insertTemplate(t, st, "t1", "mBank", 500)
	instance1 := insertInstance(t, st, "i1", template.ID, "2025-05")
	instance2 := insertInstance(t, st, "i2", template.ID, "2025-06")
	insertLinkedDocument(t, st, "card1", "mBank", 500, template.ID, instance1.ID)
	insertLinkedDocument(t, st, "loan1", "mBank", 1200, template.ID, instance2.ID)

	analysis, err := svc.AnalyzeTemplate(template.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	result, err := svc.SplitTemplate(analysis, "bucket_500")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("created %d templates, want 1", len(result.Created))
	}
	created := result.Created[0]

	// The original keeps the card bucket.
	original, _ := st.Templates().ByID(template.ID)
	if original.AmountBucket != "bucket_500" {
		t.Errorf("original bucket = %s", original.AmountBucket)
	}
	if !original.AmountMin.Equal(decimal.NewFromInt(500)) || !original.AmountMax.Equal(decimal.NewFromInt(500)) {
		t.Errorf("original range = [%s, %s], want [500, 500]", original.AmountMin, original.AmountMax)
	}

	// The loan bucket moved to the new template.
	if created.AmountBucket != "bucket_1200" {
		t.Errorf("created bucket = %s", created.AmountBucket)
	}
	if created.VendorOnlyFingerprint != template.VendorOnlyFingerprint {
		t.Error("created template must share vendor identity")
	}
	if created.VendorFingerprint == original.VendorFingerprint {
		t.Error("full fingerprints must differ after the split")
	}

	loanDoc, _ := st.Documents().ByID("loan1")
	if loanDoc.RecurringTemplateID != created.ID {
		t.Error("loan document not re-homed")
	}
	loanInstance, _ := st.Instances().ByID("i2")
	if loanInstance.TemplateID != created.ID {
		t.Error("loan instance not re-homed")
	}

	// The card side stayed put.
	cardDoc, _ := st.Documents().ByID("card1")
	if cardDoc.RecurringTemplateID != template.ID {
		t.Error("card document moved unexpectedly")
	}

	// Nothing dangles afterwards.
	discrepancies, err := svc.ValidateIntegrity()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(discrepancies) != 0 {
		t.Errorf("discrepancies after split: %v", discrepancies)
	}
}

func TestPerformAutomaticMigrationGates(t *testing.T) {
	t.Run("splits when both gates hold", func(t *testing.T) {
		svc, st := newTestService(t)
		template := insertTemplate(t, st, "t1", "mBank", 500)
		for i, tc := range []struct {
			id     string
			amount int64
		}{
			{"card1", 500}, {"card2", 510}, {"loan1", 1200}, {"loan2", 1190},
		} {
			instance := insertInstance(t, st, tc.id+"-i", template.ID, time.Date(2025, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC).Format("2006-01"))
			insertLinkedDocument(t, st, tc.id, "mBank", tc.amount, template.ID, instance.ID)
		}

		report, err := svc.PerformAutomaticMigration()
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if report.TemplatesSplit != 1 {
			t.Errorf("TemplatesSplit = %d, want 1", report.TemplatesSplit)
		}
	})

	t.Run("skips underpopulated bucket", func(t *testing.T) {
		svc, st := newTestService(t)
		template := insertTemplate(t, st, "t1", "mBank", 500)
		// Only one loan document: not enough evidence to split.
		for i, tc := range []struct {
			id     string
			amount int64
		}{
			{"card1", 500}, {"card2", 510}, {"loan1", 1200},
		} {
			instance := insertInstance(t, st, tc.id+"-i", template.ID, time.Date(2025, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC).Format("2006-01"))
			insertLinkedDocument(t, st, tc.id, "mBank", tc.amount, template.ID, instance.ID)
		}

		report, err := svc.PerformAutomaticMigration()
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if report.TemplatesSplit != 0 {
			t.Errorf("TemplatesSplit = %d, want 0", report.TemplatesSplit)
		}
	})

	t.Run("skips close averages", func(t *testing.T) {
		svc, st := newTestService(t)
		template := insertTemplate(t, st, "t1", "Vendor", 100)
		// Two buckets, but averages 100 and 130 are only 30% apart.
		for i, tc := range []struct {
			id     string
			amount int64
		}{
			{"a1", 100}, {"a2", 100}, {"b1", 130}, {"b2", 130},
		} {
			instance := insertInstance(t, st, tc.id+"-i", template.ID, time.Date(2025, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC).Format("2006-01"))
			insertLinkedDocument(t, st, tc.id, "Vendor", tc.amount, template.ID, instance.ID)
		}

		report, err := svc.PerformAutomaticMigration()
		if err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if report.TemplatesSplit != 0 {
			t.Errorf("TemplatesSplit = %d, want 0", report.TemplatesSplit)
		}
	})
}

func TestPerformAutomaticMigrationConfiguredGates(t *testing.T) {
	// Loosened gates apply a split the production defaults would leave for
	// manual confirmation.
	svc, st := newTestServiceWithConfig(t, &SplitConfig{
		MinDocumentsPerBucket:       1,
		MinAverageSeparationPercent: 20,
	})
	template := insertTemplate(t, st, "t1", "Vendor", 100)
	for i, tc := range []struct {
		id     string
		amount int64
	}{
		{"a1", 100}, {"b1", 130},
	} {
		instance := insertInstance(t, st, tc.id+"-i", template.ID, time.Date(2025, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC).Format("2006-01"))
		insertLinkedDocument(t, st, tc.id, "Vendor", tc.amount, template.ID, instance.ID)
	}

	report, err := svc.PerformAutomaticMigration()
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.TemplatesSplit != 1 {
		t.Errorf("TemplatesSplit = %d, want 1", report.TemplatesSplit)
	}
}

func TestDetectVendorFingerprintChanges(t *testing.T) {
	svc, st := newTestService(t)

	// Same vendor under a drifted OCR spelling: distinct fingerprints.
	insertTemplate(t, st, "t1", "Orange Polska", 100)
	insertTemplate(t, st, "t2", "Orange Polzka", 100)
	// An unrelated vendor.
	insertTemplate(t, st, "t3", "Netflix", 43)

	groups, err := svc.DetectVendorFingerprintChanges()
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if len(groups[0].TemplateIDs) != 2 {
		t.Errorf("group members = %v", groups[0].TemplateIDs)
	}

	// Nothing was merged; detection is advisory.
	all, _ := st.Templates().All()
	if len(all) != 3 {
		t.Errorf("templates after detection = %d, want 3", len(all))
	}
}
