// Package scheduler keeps a rolling window of future recurring instances
// materialized and their reminder side effects current.
//
// Generation is idempotent: an existing (template, period) instance is
// always reused, never duplicated. Two concurrent match attempts may both
// trigger generation for the same period; the second one finds the first
// one's instance and reuses it.
package scheduler

import (
	"fmt"
	"time"

	"recurring-payments-engine/internal/effects"
	"recurring-payments-engine/internal/models"
	"recurring-payments-engine/internal/period"
	"recurring-payments-engine/internal/store"
	engerrors "recurring-payments-engine/pkg/errors"
	"recurring-payments-engine/pkg/logger"
)

// Config holds scheduler constants.
type Config struct {
	// MonthsAhead is the default look-ahead window for instance
	// generation.
	MonthsAhead int `json:"months_ahead"`

	// MissedGraceDays is how many full days past due an expected instance
	// may be before the overdue sweep marks it missed.
	MissedGraceDays int `json:"missed_grace_days"`
}

// DefaultConfig returns the production configuration: a three-month
// look-ahead and a one-day grace period.
func DefaultConfig() *Config {
	return &Config{
		MonthsAhead:     3,
		MissedGraceDays: 1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MonthsAhead < 0 {
		return fmt.Errorf("months ahead cannot be negative: %d", c.MonthsAhead)
	}
	if c.MissedGraceDays < 0 {
		return fmt.Errorf("missed grace days cannot be negative: %d", c.MissedGraceDays)
	}
	return nil
}

// Clock supplies the current time; tests substitute a fixed one.
type Clock func() time.Time

// Scheduler generates instances and drives reminder side effects.
type Scheduler struct {
	config     *Config
	store      store.Store
	periods    *period.Service
	dispatcher *effects.Dispatcher
	log        logger.Logger
	now        Clock
}

// New creates a Scheduler. config, log, and clock may be nil.
func New(config *Config, st store.Store, periods *period.Service,
	dispatcher *effects.Dispatcher, log logger.Logger, clock Clock) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, engerrors.Configuration("scheduler", err.Error())
	}
	if log == nil {
		log = logger.Global()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		config:     config,
		store:      st,
		periods:    periods,
		dispatcher: dispatcher,
		log:        log.WithComponent("scheduler"),
		now:        clock,
	}, nil
}

// GenerateInstances materializes the look-ahead window for a template: one
// instance per month offset 0..monthsAhead inclusive. Passing zero
// materializes the current period only; a negative value falls back to the
// configured window. Existing instances are reused; new ones start in the
// expected state with the template's learned minimum as the expected amount.
// Future months whose due date already passed are skipped (the current month
// is always materialized). Afterwards, reminders are (re)scheduled for every
// still-expected instance with a future due date.
func (s *Scheduler) GenerateInstances(template *models.Template, monthsAhead int) ([]*models.RecurringInstance, error) {
	if monthsAhead < 0 {
		monthsAhead = s.config.MonthsAhead
	}

	now := s.now()
	today := s.periods.StartOfDay(now)
	created := 0

	var result []*models.RecurringInstance
	for offset := 0; offset <= monthsAhead; offset++ {
		periodKey := s.periods.PeriodKeyOffset(now, offset)

		existing, err := s.store.Instances().ByTemplateAndPeriod(template.ID, periodKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			result = append(result, existing)
			continue
		}

		dueDate, err := s.periods.ExpectedDueDate(periodKey, template.ExpectedDueDay)
		if err != nil {
			return nil, err
		}
		if offset != 0 && dueDate.Before(today) {
			continue
		}

		expectedAmount := template.AmountMin
		instance := &models.RecurringInstance{
			ID:              models.NewID(),
			TemplateID:      template.ID,
			PeriodKey:       periodKey,
			ExpectedDueDate: dueDate,
			ExpectedAmount:  &expectedAmount,
			Status:          models.StatusExpected,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.Instances().Insert(instance); err != nil {
			return nil, err
		}
		created++
		result = append(result, instance)
	}

	for _, instance := range result {
		if instance.Status != models.StatusExpected {
			continue
		}
		if !instance.ExpectedDueDate.After(today) {
			continue
		}
		if err := s.ScheduleNotifications(template, instance); err != nil {
			return nil, err
		}
	}

	if created > 0 {
		s.log.WithFields(logger.Fields{
			"template_id": template.ID,
			"created":     created,
			"window":      monthsAhead,
		}).Info("instances generated")
	}
	return result, nil
}

// CreateHistoricalInstance materializes an instance for a past period so a
// pre-existing document can be linked retroactively. Idempotent: an
// existing instance for the period is returned as-is.
func (s *Scheduler) CreateHistoricalInstance(template *models.Template, periodKey string, expectedDueDate time.Time) (*models.RecurringInstance, error) {
	existing, err := s.store.Instances().ByTemplateAndPeriod(template.ID, periodKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	expectedAmount := template.AmountMin
	instance := &models.RecurringInstance{
		ID:              models.NewID(),
		TemplateID:      template.ID,
		PeriodKey:       periodKey,
		ExpectedDueDate: expectedDueDate,
		ExpectedAmount:  &expectedAmount,
		Status:          models.StatusExpected,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Instances().Insert(instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// ScheduleNotifications (re)schedules the reminders and calendar event for
// an instance. Idempotent: existing reminder IDs are always cancelled
// before new ones are issued, so duplicate alerts cannot accumulate.
// Collaborator failures are logged and swallowed by the dispatcher.
func (s *Scheduler) ScheduleNotifications(template *models.Template, instance *models.RecurringInstance) error {
	dueDate := instance.EffectiveDueDate()

	var intents []effects.Intent
	if len(instance.ReminderIDs) > 0 {
		intents = append(intents, effects.CancelReminders{IDs: instance.ReminderIDs})
	}
	title := template.DisplayName()
	intents = append(intents, effects.ScheduleReminders{
		OwnerID:     instance.ID,
		Title:       title,
		Body:        fmt.Sprintf("%s payment due %s", title, dueDate.Format("2006-01-02")),
		DueDate:     dueDate,
		OffsetsDays: template.ReminderOffsets,
	})
	intents = append(intents, effects.EnsureCalendarEvent{
		EventID: instance.CalendarEventID,
		Title:   title,
		DueDate: dueDate,
	})

	result := s.runIntents(intents)
	instance.ReminderIDs = result.ReminderIDs
	if result.CalendarEventID != "" {
		instance.CalendarEventID = result.CalendarEventID
	}
	instance.UpdatedAt = s.now()
	return s.store.Instances().Update(instance)
}

// UpdateNotificationsAfterMatch reschedules reminders against the actual
// due date once a document is bound.
func (s *Scheduler) UpdateNotificationsAfterMatch(template *models.Template, instance *models.RecurringInstance) error {
	return s.ScheduleNotifications(template, instance)
}

// CancelNotifications cancels an instance's reminders and clears the
// stored IDs.
func (s *Scheduler) CancelNotifications(instance *models.RecurringInstance) error {
	if len(instance.ReminderIDs) > 0 {
		s.runIntents([]effects.Intent{effects.CancelReminders{IDs: instance.ReminderIDs}})
	}
	instance.ReminderIDs = nil
	instance.UpdatedAt = s.now()
	return s.store.Instances().Update(instance)
}

// MarkPaid transitions an instance to paid and cancels its reminders.
func (s *Scheduler) MarkPaid(instanceID string) (*models.RecurringInstance, error) {
	instance, err := s.store.Instances().ByID(instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, engerrors.InstanceNotFound(instanceID)
	}
	if !instance.Status.CanTransitionTo(models.StatusPaid) {
		return nil, engerrors.InvalidTransition(string(instance.Status), string(models.StatusPaid))
	}
	if len(instance.ReminderIDs) > 0 {
		s.runIntents([]effects.Intent{effects.CancelReminders{IDs: instance.ReminderIDs}})
		instance.ReminderIDs = nil
	}
	instance.Status = models.StatusPaid
	instance.UpdatedAt = s.now()
	if err := s.store.Instances().Update(instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// MarkOverdueInstancesAsMissed sweeps expected instances whose due date is
// more than the grace period in the past, transitions them to missed, and
// cancels their reminders. Returns the number of instances changed. A
// single bad record is logged and skipped, never aborting the sweep.
func (s *Scheduler) MarkOverdueInstancesAsMissed() (int, error) {
	expected, err := s.store.Instances().ByStatus(models.StatusExpected)
	if err != nil {
		return 0, err
	}

	today := s.periods.StartOfDay(s.now())
	changed := 0
	for _, instance := range expected {
		overdueDays := s.periods.DaysBetween(instance.ExpectedDueDate, today)
		if overdueDays <= s.config.MissedGraceDays {
			continue
		}

		if len(instance.ReminderIDs) > 0 {
			s.runIntents([]effects.Intent{effects.CancelReminders{IDs: instance.ReminderIDs}})
			instance.ReminderIDs = nil
		}
		instance.Status = models.StatusMissed
		instance.UpdatedAt = s.now()
		if err := s.store.Instances().Update(instance); err != nil {
			s.log.WithError(err).Warnf("failed to mark instance %s missed", instance.ID)
			continue
		}
		changed++
	}

	if changed > 0 {
		s.log.Infof("marked %d overdue instances as missed", changed)
	}
	return changed, nil
}

func (s *Scheduler) runIntents(intents []effects.Intent) effects.DispatchResult {
	if s.dispatcher == nil {
		return effects.DispatchResult{}
	}
	return s.dispatcher.Run(intents)
}
