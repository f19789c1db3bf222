// Package effects isolates the engine's best-effort side effects: reminder
// scheduling and calendar sync.
//
// Core services return committed state changes plus a list of side-effect
// intents; the Dispatcher executes the intents against the external
// collaborators and owns the swallow-and-log policy. Losing a reminder is
// recoverable, losing a financial-document match is not, so a collaborator
// failure is never propagated as the outcome of the primary operation.
package effects

import (
	"fmt"
	"time"

	"recurring-payments-engine/pkg/logger"
)

// ReminderClient delivers payment reminders. Implemented by the platform
// notification layer; the engine only holds opaque reminder IDs.
type ReminderClient interface {
	// ScheduleReminders schedules one reminder per offset (days before
	// dueDate) and returns the scheduled reminder IDs.
	ScheduleReminders(ownerID, title, body string, dueDate time.Time, offsetsDays []int) ([]string, error)
	// CancelReminders cancels previously scheduled reminders. Unknown IDs
	// are ignored.
	CancelReminders(ids []string) error
}

// CalendarClient mirrors due dates into an external calendar. All failures
// are non-fatal to the caller.
type CalendarClient interface {
	Authorized() bool
	CreateEvent(title string, dueDate time.Time) (string, error)
	UpdateEvent(eventID, title string, dueDate time.Time) error
	DeleteEvent(eventID string) error
}

// Intent is one pending side effect.
type Intent interface {
	Describe() string
}

// CancelReminders cancels the given reminder IDs.
type CancelReminders struct {
	IDs []string
}

// Describe implements Intent.
func (i CancelReminders) Describe() string {
	return fmt.Sprintf("cancel %d reminders", len(i.IDs))
}

// ScheduleReminders schedules reminders for an instance. Its results are
// reported through DispatchResult.ReminderIDs.
type ScheduleReminders struct {
	OwnerID     string
	Title       string
	Body        string
	DueDate     time.Time
	OffsetsDays []int
}

// Describe implements Intent.
func (i ScheduleReminders) Describe() string {
	return fmt.Sprintf("schedule %d reminders for %s", len(i.OffsetsDays), i.OwnerID)
}

// EnsureCalendarEvent creates or updates the calendar event mirroring a due
// date. EventID is empty when no event exists yet.
type EnsureCalendarEvent struct {
	EventID string
	Title   string
	DueDate time.Time
}

// Describe implements Intent.
func (i EnsureCalendarEvent) Describe() string {
	if i.EventID == "" {
		return "create calendar event"
	}
	return "update calendar event " + i.EventID
}

// DeleteCalendarEvent removes the calendar event for a dropped instance.
type DeleteCalendarEvent struct {
	EventID string
}

// Describe implements Intent.
func (i DeleteCalendarEvent) Describe() string {
	return "delete calendar event " + i.EventID
}

// DispatchResult carries the collaborator outputs the caller needs to
// persist (freshly issued reminder IDs, calendar event ID).
type DispatchResult struct {
	ReminderIDs     []string
	CalendarEventID string
	// CalendarEventDeleted is true when a DeleteCalendarEvent intent ran,
	// regardless of collaborator success (the link is dropped either way).
	CalendarEventDeleted bool
}

// Dispatcher executes side-effect intents. Collaborator errors are logged
// at Warn and swallowed.
type Dispatcher struct {
	reminders ReminderClient
	calendar  CalendarClient
	log       logger.Logger
}

// NewDispatcher creates a Dispatcher. Either client may be nil, in which
// case the corresponding intents become no-ops.
func NewDispatcher(reminders ReminderClient, calendar CalendarClient, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Global()
	}
	return &Dispatcher{
		reminders: reminders,
		calendar:  calendar,
		log:       log.WithComponent("effects"),
	}
}

// Run executes intents in order and collects their outputs. It never
// returns an error.
func (d *Dispatcher) Run(intents []Intent) DispatchResult {
	var result DispatchResult
	for _, intent := range intents {
		switch i := intent.(type) {
		case CancelReminders:
			d.cancelReminders(i)
		case ScheduleReminders:
			result.ReminderIDs = d.scheduleReminders(i)
		case EnsureCalendarEvent:
			result.CalendarEventID = d.ensureCalendarEvent(i)
		case DeleteCalendarEvent:
			d.deleteCalendarEvent(i)
			result.CalendarEventDeleted = true
		default:
			d.log.Warnf("unknown side-effect intent: %s", intent.Describe())
		}
	}
	return result
}

func (d *Dispatcher) cancelReminders(i CancelReminders) {
	if d.reminders == nil || len(i.IDs) == 0 {
		return
	}
	if err := d.reminders.CancelReminders(i.IDs); err != nil {
		d.log.WithError(err).Warnf("%s failed", i.Describe())
	}
}

func (d *Dispatcher) scheduleReminders(i ScheduleReminders) []string {
	if d.reminders == nil || len(i.OffsetsDays) == 0 {
		return nil
	}
	ids, err := d.reminders.ScheduleReminders(i.OwnerID, i.Title, i.Body, i.DueDate, i.OffsetsDays)
	if err != nil {
		d.log.WithError(err).Warnf("%s failed", i.Describe())
		return nil
	}
	return ids
}

func (d *Dispatcher) ensureCalendarEvent(i EnsureCalendarEvent) string {
	if d.calendar == nil || !d.calendar.Authorized() {
		return i.EventID
	}
	if i.EventID == "" {
		eventID, err := d.calendar.CreateEvent(i.Title, i.DueDate)
		if err != nil {
			d.log.WithError(err).Warn("calendar event creation failed")
			return ""
		}
		return eventID
	}
	if err := d.calendar.UpdateEvent(i.EventID, i.Title, i.DueDate); err != nil {
		d.log.WithError(err).Warnf("calendar event %s update failed", i.EventID)
	}
	return i.EventID
}

func (d *Dispatcher) deleteCalendarEvent(i DeleteCalendarEvent) {
	if d.calendar == nil || i.EventID == "" {
		return
	}
	if err := d.calendar.DeleteEvent(i.EventID); err != nil {
		d.log.WithError(err).Warnf("calendar event %s deletion failed", i.EventID)
	}
}
