// Package errors defines the error taxonomy for the recurring payments
// engine.
//
// Errors fall into three families with very different handling rules:
//
//   - structural errors (missing due date, missing fingerprint, unknown
//     template or instance) are caller-correctable and always surfaced;
//   - conflict errors (a template with the same fingerprint already exists)
//     are surfaced so the caller can redirect to an update/merge flow;
//   - side-effect errors (reminder scheduling, calendar sync) are logged and
//     swallowed by the effects dispatcher, never returned as the outcome of
//     the primary operation.
//
// Absence of a match is not an error anywhere in the engine; it is a normal
// nil result.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category groups error codes by handling policy.
type Category string

const (
	CategoryStructural    Category = "structural"
	CategoryConflict      Category = "conflict"
	CategorySideEffect    Category = "side_effect"
	CategoryStorage       Category = "storage"
	CategoryConfiguration Category = "configuration"
)

// Code identifies a specific failure within a category.
type Code string

const (
	// Structural codes.
	CodeMissingDueDate           Code = "missing_due_date"
	CodeMissingVendorFingerprint Code = "missing_vendor_fingerprint"
	CodeTemplateNotFound         Code = "template_not_found"
	CodeInstanceNotFound         Code = "instance_not_found"
	CodeCandidateNotFound        Code = "candidate_not_found"
	CodeInvalidPeriodKey         Code = "invalid_period_key"
	CodeInvalidTransition        Code = "invalid_transition"

	// Conflict codes.
	CodeTemplateExists Code = "template_exists"

	// Side-effect codes.
	CodeReminderDelivery Code = "reminder_delivery"
	CodeCalendarSync     Code = "calendar_sync"

	// Storage codes.
	CodeStoreUnavailable Code = "store_unavailable"
	CodeStoreCorrupt     Code = "store_corrupt"

	// Configuration codes.
	CodeInvalidConfig Code = "invalid_config"
)

// Error is the engine's error type: a category/code pair with a message,
// an optional suggestion for the caller, structured context, and a stack
// trace captured at construction.
type Error struct {
	Category   Category          `json:"category"`
	Code       Code              `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context carries structured key/value details about the failure.
type Context map[string]interface{}

func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value detail to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion attaches a hint for correcting the failure.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// ExitCode maps the error to a CLI process exit code.
func (e *Error) ExitCode() int {
	switch e.Category {
	case CategoryStructural:
		return 2
	case CategoryConflict:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryStorage:
		return 5
	default:
		return 1
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New creates an Error with a fresh stack trace.
func New(category Category, code Code, message string) *Error {
	return &Error{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap annotates an existing error with engine category and code.
func Wrap(err error, category Category, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// Structural constructors.

// MissingDueDate reports a document without the due date the operation needs.
func MissingDueDate(documentID string) *Error {
	return New(CategoryStructural, CodeMissingDueDate,
		fmt.Sprintf("document %s has no due date", documentID)).
		WithSuggestion("set a due date on the document before creating or matching a template").
		WithContext("document_id", documentID)
}

// MissingVendorFingerprint reports a document that was never fingerprinted.
func MissingVendorFingerprint(documentID string) *Error {
	return New(CategoryStructural, CodeMissingVendorFingerprint,
		fmt.Sprintf("document %s has no vendor fingerprint", documentID)).
		WithSuggestion("run the fingerprint engine on the document first").
		WithContext("document_id", documentID)
}

// TemplateNotFound reports a template lookup that must succeed but did not.
func TemplateNotFound(templateID string) *Error {
	return New(CategoryStructural, CodeTemplateNotFound,
		fmt.Sprintf("template %s does not exist", templateID)).
		WithContext("template_id", templateID)
}

// InstanceNotFound reports a recurring instance lookup that must succeed but
// did not.
func InstanceNotFound(instanceID string) *Error {
	return New(CategoryStructural, CodeInstanceNotFound,
		fmt.Sprintf("recurring instance %s does not exist", instanceID)).
		WithContext("instance_id", instanceID)
}

// InvalidTransition reports an illegal instance status change.
func InvalidTransition(from, to string) *Error {
	return New(CategoryStructural, CodeInvalidTransition,
		fmt.Sprintf("instance status cannot change from %s to %s", from, to)).
		WithContext("from", from).
		WithContext("to", to)
}

// TemplateExists reports a fingerprint collision on template creation.
func TemplateExists(fingerprint, existingID string) *Error {
	return New(CategoryConflict, CodeTemplateExists,
		fmt.Sprintf("a template with fingerprint %s already exists", shortDigest(fingerprint))).
		WithSuggestion("update the existing template instead of creating a new one").
		WithContext("fingerprint", fingerprint).
		WithContext("existing_template_id", existingID)
}

// SideEffect wraps a collaborator failure that must be logged and swallowed.
func SideEffect(code Code, operation string, err error) *Error {
	return Wrap(err, CategorySideEffect, code,
		fmt.Sprintf("best-effort %s failed", operation)).
		WithContext("operation", operation)
}

// Storage wraps a persistence failure.
func Storage(operation string, err error) *Error {
	return Wrap(err, CategoryStorage, CodeStoreUnavailable,
		fmt.Sprintf("storage failure during %s", operation)).
		WithContext("operation", operation)
}

// Configuration reports an invalid configuration value.
func Configuration(setting string, value interface{}) *Error {
	return New(CategoryConfiguration, CodeInvalidConfig,
		fmt.Sprintf("invalid configuration for %s: %v", setting, value)).
		WithContext("setting", setting).
		WithContext("value", value)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// Is reports whether err is an engine Error carrying the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// As extracts an engine Error from an error chain.
func As(err error) (*Error, bool) {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// ExitCode returns the CLI exit code for any error value.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := As(err); ok {
		return e.ExitCode()
	}
	return 1
}

// Summary aggregates the errors collected by a batch sweep. A sweep never
// aborts on a single bad record; it accumulates and reports.
type Summary struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"by_category"`
	ByCode     map[Code]int     `json:"by_code"`
	Errors     []*Error         `json:"errors"`
}

// NewSummary builds a Summary from collected errors.
func NewSummary(errs []*Error) *Summary {
	s := &Summary{
		Total:      len(errs),
		ByCategory: make(map[Category]int),
		ByCode:     make(map[Code]int),
		Errors:     errs,
	}
	for _, e := range errs {
		s.ByCategory[e.Category]++
		s.ByCode[e.Code]++
	}
	return s
}

// Error formats the summary as a single message.
func (s *Summary) Error() string {
	switch s.Total {
	case 0:
		return "no errors"
	case 1:
		return s.Errors[0].Error()
	}
	parts := make([]string, 0, len(s.ByCategory))
	for category, count := range s.ByCategory {
		parts = append(parts, fmt.Sprintf("%s: %d", category, count))
	}
	return fmt.Sprintf("%d errors occurred (%s)", s.Total, strings.Join(parts, ", "))
}

// HasCode reports whether the summary contains the given code.
func (s *Summary) HasCode(code Code) bool {
	return s.ByCode[code] > 0
}
