package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"recurring-payments-engine/internal/effects"
	"recurring-payments-engine/internal/models"
	"recurring-payments-engine/internal/period"
	"recurring-payments-engine/internal/store"
	engerrors "recurring-payments-engine/pkg/errors"
	"recurring-payments-engine/pkg/logger"
)

type fakeReminders struct {
	cancelled [][]string
	nextID    int
}

func (f *fakeReminders) ScheduleReminders(ownerID, title, body string, dueDate time.Time, offsetsDays []int) ([]string, error) {
	ids := make([]string, len(offsetsDays))
	for i := range offsetsDays {
		f.nextID++
		ids[i] = fmt.Sprintf("rem-%d", f.nextID)
	}
	return ids, nil
}

func (f *fakeReminders) CancelReminders(ids []string) error {
	f.cancelled = append(f.cancelled, ids)
	return nil
}

// Fixed clock: June 10th, mid-month.
var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *fakeReminders) {
	t.Helper()
	st := store.NewMemoryStore()
	reminders := &fakeReminders{}
	dispatcher := effects.NewDispatcher(reminders, nil, logger.Discard())
	s, err := New(nil, st, period.MustService(period.DefaultTimezone), dispatcher,
		logger.Discard(), func() time.Time { return testNow })
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	return s, st, reminders
}

func testTemplate(dueDay int) *models.Template {
	return &models.Template{
		ID:                    models.NewID(),
		VendorFingerprint:     "fp-" + models.NewID(),
		VendorOnlyFingerprint: "vfp",
		VendorName:            "Orange Polska",
		ExpectedDueDay:        dueDay,
		ToleranceDays:         3,
		ReminderOffsets:       []int{7, 1},
		AmountMin:             decimal.NewFromInt(100),
		AmountMax:             decimal.NewFromInt(120),
		Active:                true,
		Source:                models.SourceManual,
	}
}

func TestGenerateInstancesWindow(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	instances, err := s.GenerateInstances(template, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(instances) != 4 {
		t.Fatalf("generated %d instances, want 4 (offsets 0..3)", len(instances))
	}

	wantPeriods := []string{"2025-06", "2025-07", "2025-08", "2025-09"}
	for i, instance := range instances {
		if instance.PeriodKey != wantPeriods[i] {
			t.Errorf("instance %d period = %s, want %s", i, instance.PeriodKey, wantPeriods[i])
		}
		if instance.Status != models.StatusExpected {
			t.Errorf("instance %d status = %s, want expected", i, instance.Status)
		}
		if instance.ExpectedAmount == nil || !instance.ExpectedAmount.Equal(template.AmountMin) {
			t.Errorf("instance %d expected amount should be the template minimum", i)
		}
		if instance.ExpectedDueDate.Day() != 15 {
			t.Errorf("instance %d due day = %d, want 15", i, instance.ExpectedDueDate.Day())
		}
	}
}

func TestGenerateInstancesIdempotent(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	first, err := s.GenerateInstances(template, 3)
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}
	second, err := s.GenerateInstances(template, 3)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("second run returned %d instances, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("instance %d was recreated instead of reused", i)
		}
	}

	all, _ := st.Instances().All()
	if len(all) != 4 {
		t.Errorf("store holds %d instances, want 4", len(all))
	}
}

func TestGenerateInstancesWindowZeroAndNegative(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	// Zero is a real request: the current period only.
	instances, err := s.GenerateInstances(template, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("window 0 generated %d instances, want 1", len(instances))
	}
	if instances[0].PeriodKey != "2025-06" {
		t.Errorf("period = %s, want 2025-06", instances[0].PeriodKey)
	}

	// Negative falls back to the configured default window of 3.
	instances, err = s.GenerateInstances(template, -1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(instances) != 4 {
		t.Errorf("negative window generated %d instances, want 4", len(instances))
	}
}

func TestGenerateInstancesMaterializesCurrentMonthEvenWhenPast(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	// Due day 5 is already past on June 10th; the current month is still
	// materialized so a late document can match it.
	template := testTemplate(5)
	st.Templates().Insert(template)

	instances, err := s.GenerateInstances(template, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("generated %d instances, want 2", len(instances))
	}
	if instances[0].PeriodKey != "2025-06" {
		t.Errorf("first period = %s, want 2025-06", instances[0].PeriodKey)
	}
}

func TestGenerateInstancesClampsDueDay(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(31)
	st.Templates().Insert(template)

	instances, err := s.GenerateInstances(template, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// June has 30 days.
	if got := instances[0].ExpectedDueDate.Day(); got != 30 {
		t.Errorf("June due day = %d, want clamped 30", got)
	}
}

func TestGenerateSchedulesRemindersForFutureInstances(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	instances, err := s.GenerateInstances(template, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, instance := range instances {
		if len(instance.ReminderIDs) != len(template.ReminderOffsets) {
			t.Errorf("instance %s has %d reminders, want %d",
				instance.PeriodKey, len(instance.ReminderIDs), len(template.ReminderOffsets))
		}
	}
}

func TestScheduleNotificationsCancelsBeforeScheduling(t *testing.T) {
	s, st, reminders := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	instance := &models.RecurringInstance{
		ID:              models.NewID(),
		TemplateID:      template.ID,
		PeriodKey:       "2025-06",
		ExpectedDueDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Status:          models.StatusExpected,
		ReminderIDs:     []string{"stale-1", "stale-2"},
	}
	st.Instances().Insert(instance)

	if err := s.ScheduleNotifications(template, instance); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if len(reminders.cancelled) != 1 || reminders.cancelled[0][0] != "stale-1" {
		t.Errorf("stale reminders were not cancelled first: %v", reminders.cancelled)
	}
	if len(instance.ReminderIDs) != 2 || instance.ReminderIDs[0] == "stale-1" {
		t.Errorf("reminder IDs were not replaced: %v", instance.ReminderIDs)
	}
}

func TestMarkOverdueInstancesAsMissed(t *testing.T) {
	s, st, reminders := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	makeInstance := func(id string, due time.Time, status models.InstanceStatus) {
		st.Instances().Insert(&models.RecurringInstance{
			ID:              id,
			TemplateID:      template.ID,
			PeriodKey:       due.Format("2006-01"),
			ExpectedDueDate: due,
			Status:          status,
			ReminderIDs:     []string{"rem-" + id},
		})
	}
	makeInstance("overdue", time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), models.StatusExpected)
	makeInstance("in-grace", time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), models.StatusExpected)
	makeInstance("future", time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC), models.StatusExpected)
	makeInstance("matched", time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC), models.StatusMatched)

	changed, err := s.MarkOverdueInstancesAsMissed()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if changed != 1 {
		t.Fatalf("marked %d instances, want 1", changed)
	}

	overdue, _ := st.Instances().ByID("overdue")
	if overdue.Status != models.StatusMissed {
		t.Errorf("overdue status = %s, want missed", overdue.Status)
	}
	if len(overdue.ReminderIDs) != 0 {
		t.Error("missed instance should have no reminders left")
	}
	if len(reminders.cancelled) != 1 {
		t.Errorf("cancel calls = %v", reminders.cancelled)
	}

	inGrace, _ := st.Instances().ByID("in-grace")
	if inGrace.Status != models.StatusExpected {
		t.Errorf("in-grace status = %s, want expected", inGrace.Status)
	}
	matched, _ := st.Instances().ByID("matched")
	if matched.Status != models.StatusMatched {
		t.Errorf("matched status = %s, should be untouched", matched.Status)
	}
}

func TestMarkPaid(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	instance := &models.RecurringInstance{
		ID:              models.NewID(),
		TemplateID:      template.ID,
		PeriodKey:       "2025-06",
		ExpectedDueDate: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Status:          models.StatusExpected,
		ReminderIDs:     []string{"rem-1"},
	}
	st.Instances().Insert(instance)

	paid, err := s.MarkPaid(instance.ID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != models.StatusPaid {
		t.Errorf("status = %s, want paid", paid.Status)
	}
	if len(paid.ReminderIDs) != 0 {
		t.Error("paid instance should have no reminders")
	}

	// Paid is terminal.
	if _, err := s.MarkPaid(instance.ID); !engerrors.Is(err, engerrors.CodeInvalidTransition) {
		t.Errorf("expected invalid_transition, got %v", err)
	}
}

func TestMarkPaidUnknownInstance(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.MarkPaid("missing"); !engerrors.Is(err, engerrors.CodeInstanceNotFound) {
		t.Errorf("expected instance_not_found, got %v", err)
	}
}

func TestCreateHistoricalInstanceIdempotent(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	template := testTemplate(15)
	st.Templates().Insert(template)

	due := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	first, err := s.CreateHistoricalInstance(template, "2025-03", due)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := s.CreateHistoricalInstance(template, "2025-03", due)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Error("historical instance was duplicated")
	}
}
