// Package store defines the persistence contract the engine depends on,
// plus two reference implementations: a mutex-guarded in-memory store used
// by tests and a sqlite-backed store used by the CLI.
//
// Lookup misses return (nil, nil); only infrastructure failures produce
// errors. The services decide whether absence is an error.
//
// The engine runs single-writer per logical transaction: every mutating
// operation reads, decides, and writes within one call, and the store is
// expected to serialize concurrent writers.
package store

import (
	"recurring-payments-engine/internal/models"
)

// TemplateRepository persists recurring payment templates.
type TemplateRepository interface {
	Insert(t *models.Template) error
	Update(t *models.Template) error
	Delete(id string) error
	ByID(id string) (*models.Template, error)
	// ByFingerprint looks up the unique template carrying the full
	// (identity plus amount bucket) fingerprint.
	ByFingerprint(fingerprint string) (*models.Template, error)
	// ByVendorOnlyFingerprint returns all templates sharing vendor
	// identity regardless of amount bucket.
	ByVendorOnlyFingerprint(fingerprint string) ([]*models.Template, error)
	Active() ([]*models.Template, error)
	All() ([]*models.Template, error)
}

// InstanceRepository persists recurring instances. At most one instance
// exists per (template, period) pair; ByTemplateAndPeriod is the primary
// lookup during matching.
type InstanceRepository interface {
	Insert(ri *models.RecurringInstance) error
	Update(ri *models.RecurringInstance) error
	Delete(id string) error
	ByID(id string) (*models.RecurringInstance, error)
	ByTemplateAndPeriod(templateID, periodKey string) (*models.RecurringInstance, error)
	ByTemplate(templateID string) ([]*models.RecurringInstance, error)
	ByStatus(status models.InstanceStatus) ([]*models.RecurringInstance, error)
	All() ([]*models.RecurringInstance, error)
}

// DocumentRepository persists documents. The engine reads documents
// produced by the capture pipeline and writes only their fingerprint and
// recurring link fields.
type DocumentRepository interface {
	Insert(d *models.Document) error
	Update(d *models.Document) error
	Delete(id string) error
	ByID(id string) (*models.Document, error)
	ByTemplate(templateID string) ([]*models.Document, error)
	ByInstance(instanceID string) (*models.Document, error)
	// Linked returns every document carrying at least one recurring link.
	Linked() ([]*models.Document, error)
	All() ([]*models.Document, error)
}

// CandidateRepository persists detection candidates.
type CandidateRepository interface {
	Insert(c *models.Candidate) error
	Update(c *models.Candidate) error
	Delete(id string) error
	ByID(id string) (*models.Candidate, error)
	All() ([]*models.Candidate, error)
}

// Store aggregates the typed repositories.
type Store interface {
	Templates() TemplateRepository
	Instances() InstanceRepository
	Documents() DocumentRepository
	Candidates() CandidateRepository
}
