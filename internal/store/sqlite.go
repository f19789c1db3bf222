package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"recurring-payments-engine/internal/models"
	engerrors "recurring-payments-engine/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the sqlite-backed Store used by the CLI. Amounts are
// persisted as decimal strings, dates as RFC 3339 text, and the reminder
// lists as JSON arrays.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies pending
// schema migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, engerrors.Storage("open", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction.
func (s *SQLiteStore) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return engerrors.Storage("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return engerrors.Storage("commit transaction", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return engerrors.Storage("load migrations", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return engerrors.Storage("init migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return engerrors.Storage("init migrations", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return engerrors.Storage("apply migrations", err)
	}
	return nil
}

// Templates returns the template repository.
func (s *SQLiteStore) Templates() TemplateRepository { return &sqlTemplates{s.db} }

// Instances returns the instance repository.
func (s *SQLiteStore) Instances() InstanceRepository { return &sqlInstances{s.db} }

// Documents returns the document repository.
func (s *SQLiteStore) Documents() DocumentRepository { return &sqlDocuments{s.db} }

// Candidates returns the candidate repository.
func (s *SQLiteStore) Candidates() CandidateRepository { return &sqlCandidates{s.db} }

// Column encoding helpers.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeDecimalPtr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func decodeDecimalPtr(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Template repository.

type sqlTemplates struct{ db *sql.DB }

const templateColumns = `id, vendor_fingerprint, vendor_only_fingerprint, amount_bucket,
	vendor_name, short_name, category, expected_due_day, tolerance_days,
	reminder_offsets, amount_min, amount_max, currency, iban, active, source,
	matched_count, created_at, updated_at`

func (r *sqlTemplates) Insert(t *models.Template) error {
	return r.write(`INSERT INTO templates (`+templateColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, t, nil)
}

func (r *sqlTemplates) Update(t *models.Template) error {
	return r.write(`UPDATE templates SET vendor_fingerprint=?, vendor_only_fingerprint=?,
		amount_bucket=?, vendor_name=?, short_name=?, category=?, expected_due_day=?,
		tolerance_days=?, reminder_offsets=?, amount_min=?, amount_max=?, currency=?,
		iban=?, active=?, source=?, matched_count=?, created_at=?, updated_at=?
		WHERE id=?`, t, func(args []interface{}) []interface{} {
		// Move the ID from first position to the trailing WHERE clause.
		return append(args[1:], args[0])
	})
}

func (r *sqlTemplates) write(query string, t *models.Template, rearrange func([]interface{}) []interface{}) error {
	offsets, err := encodeJSON(t.ReminderOffsets)
	if err != nil {
		return engerrors.Storage("encode template", err)
	}
	args := []interface{}{
		t.ID, t.VendorFingerprint, t.VendorOnlyFingerprint, t.AmountBucket,
		t.VendorName, t.ShortName, t.Category, t.ExpectedDueDay, t.ToleranceDays,
		offsets, t.AmountMin.String(), t.AmountMax.String(), t.Currency, t.IBAN,
		t.Active, string(t.Source), t.MatchedCount,
		encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
	}
	if rearrange != nil {
		args = rearrange(args)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return engerrors.Storage("write template", err)
	}
	return nil
}

func (r *sqlTemplates) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM templates WHERE id=?`, id); err != nil {
		return engerrors.Storage("delete template", err)
	}
	return nil
}

func (r *sqlTemplates) ByID(id string) (*models.Template, error) {
	return r.one(`SELECT `+templateColumns+` FROM templates WHERE id=?`, id)
}

func (r *sqlTemplates) ByFingerprint(fingerprint string) (*models.Template, error) {
	return r.one(`SELECT `+templateColumns+` FROM templates WHERE vendor_fingerprint=?`, fingerprint)
}

func (r *sqlTemplates) ByVendorOnlyFingerprint(fingerprint string) ([]*models.Template, error) {
	return r.many(`SELECT `+templateColumns+` FROM templates
		WHERE vendor_only_fingerprint=? ORDER BY id`, fingerprint)
}

func (r *sqlTemplates) Active() ([]*models.Template, error) {
	return r.many(`SELECT ` + templateColumns + ` FROM templates WHERE active=1 ORDER BY id`)
}

func (r *sqlTemplates) All() ([]*models.Template, error) {
	return r.many(`SELECT ` + templateColumns + ` FROM templates ORDER BY id`)
}

func (r *sqlTemplates) one(query string, args ...interface{}) (*models.Template, error) {
	t, err := scanTemplate(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engerrors.Storage("read template", err)
	}
	return t, nil
}

func (r *sqlTemplates) many(query string, args ...interface{}) ([]*models.Template, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, engerrors.Storage("read templates", err)
	}
	defer rows.Close()

	var result []*models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, engerrors.Storage("scan template", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.Storage("read templates", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	var offsets, amountMin, amountMax, source, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.VendorFingerprint, &t.VendorOnlyFingerprint, &t.AmountBucket,
		&t.VendorName, &t.ShortName, &t.Category, &t.ExpectedDueDay, &t.ToleranceDays,
		&offsets, &amountMin, &amountMax, &t.Currency, &t.IBAN, &t.Active, &source,
		&t.MatchedCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(offsets), &t.ReminderOffsets); err != nil {
		return nil, err
	}
	if t.AmountMin, err = decimal.NewFromString(amountMin); err != nil {
		return nil, err
	}
	if t.AmountMax, err = decimal.NewFromString(amountMax); err != nil {
		return nil, err
	}
	t.Source = models.TemplateSource(source)
	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Instance repository.

type sqlInstances struct{ db *sql.DB }

const instanceColumns = `id, template_id, period_key, expected_due_date, expected_amount,
	status, matched_document_id, actual_due_date, actual_amount, invoice_number,
	reminder_ids, calendar_event_id, created_at, updated_at`

func (r *sqlInstances) Insert(ri *models.RecurringInstance) error {
	return r.write(`INSERT INTO instances (`+instanceColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, ri, nil)
}

func (r *sqlInstances) Update(ri *models.RecurringInstance) error {
	return r.write(`UPDATE instances SET template_id=?, period_key=?, expected_due_date=?,
		expected_amount=?, status=?, matched_document_id=?, actual_due_date=?,
		actual_amount=?, invoice_number=?, reminder_ids=?, calendar_event_id=?,
		created_at=?, updated_at=? WHERE id=?`, ri,
		func(args []interface{}) []interface{} {
			return append(args[1:], args[0])
		})
}

func (r *sqlInstances) write(query string, ri *models.RecurringInstance, rearrange func([]interface{}) []interface{}) error {
	reminderIDs, err := encodeJSON(ri.ReminderIDs)
	if err != nil {
		return engerrors.Storage("encode instance", err)
	}
	args := []interface{}{
		ri.ID, ri.TemplateID, ri.PeriodKey, encodeTime(ri.ExpectedDueDate),
		encodeDecimalPtr(ri.ExpectedAmount), string(ri.Status), ri.MatchedDocumentID,
		encodeTimePtr(ri.ActualDueDate), encodeDecimalPtr(ri.ActualAmount),
		ri.InvoiceNumber, reminderIDs, ri.CalendarEventID,
		encodeTime(ri.CreatedAt), encodeTime(ri.UpdatedAt),
	}
	if rearrange != nil {
		args = rearrange(args)
	}
	if _, err := r.db.Exec(query, args...); err != nil {
		return engerrors.Storage("write instance", err)
	}
	return nil
}

func (r *sqlInstances) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM instances WHERE id=?`, id); err != nil {
		return engerrors.Storage("delete instance", err)
	}
	return nil
}

func (r *sqlInstances) ByID(id string) (*models.RecurringInstance, error) {
	return r.one(`SELECT `+instanceColumns+` FROM instances WHERE id=?`, id)
}

func (r *sqlInstances) ByTemplateAndPeriod(templateID, periodKey string) (*models.RecurringInstance, error) {
	return r.one(`SELECT `+instanceColumns+` FROM instances
		WHERE template_id=? AND period_key=?`, templateID, periodKey)
}

func (r *sqlInstances) ByTemplate(templateID string) ([]*models.RecurringInstance, error) {
	return r.many(`SELECT `+instanceColumns+` FROM instances
		WHERE template_id=? ORDER BY period_key, id`, templateID)
}

func (r *sqlInstances) ByStatus(status models.InstanceStatus) ([]*models.RecurringInstance, error) {
	return r.many(`SELECT `+instanceColumns+` FROM instances
		WHERE status=? ORDER BY period_key, id`, string(status))
}

func (r *sqlInstances) All() ([]*models.RecurringInstance, error) {
	return r.many(`SELECT ` + instanceColumns + ` FROM instances ORDER BY period_key, id`)
}

func (r *sqlInstances) one(query string, args ...interface{}) (*models.RecurringInstance, error) {
	ri, err := scanInstance(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engerrors.Storage("read instance", err)
	}
	return ri, nil
}

func (r *sqlInstances) many(query string, args ...interface{}) ([]*models.RecurringInstance, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, engerrors.Storage("read instances", err)
	}
	defer rows.Close()

	var result []*models.RecurringInstance
	for rows.Next() {
		ri, err := scanInstance(rows)
		if err != nil {
			return nil, engerrors.Storage("scan instance", err)
		}
		result = append(result, ri)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.Storage("read instances", err)
	}
	return result, nil
}

func scanInstance(row rowScanner) (*models.RecurringInstance, error) {
	var ri models.RecurringInstance
	var expectedDue, status, reminderIDs, createdAt, updatedAt string
	var expectedAmount, actualDue, actualAmount sql.NullString
	err := row.Scan(&ri.ID, &ri.TemplateID, &ri.PeriodKey, &expectedDue, &expectedAmount,
		&status, &ri.MatchedDocumentID, &actualDue, &actualAmount, &ri.InvoiceNumber,
		&reminderIDs, &ri.CalendarEventID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if ri.ExpectedDueDate, err = decodeTime(expectedDue); err != nil {
		return nil, err
	}
	if ri.ExpectedAmount, err = decodeDecimalPtr(expectedAmount); err != nil {
		return nil, err
	}
	ri.Status = models.InstanceStatus(status)
	if ri.ActualDueDate, err = decodeTimePtr(actualDue); err != nil {
		return nil, err
	}
	if ri.ActualAmount, err = decodeDecimalPtr(actualAmount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reminderIDs), &ri.ReminderIDs); err != nil {
		return nil, err
	}
	if ri.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if ri.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &ri, nil
}

// Document repository.

type sqlDocuments struct{ db *sql.DB }

const documentColumns = `id, vendor_name, amount, currency, due_date, iban, tax_id,
	invoice_number, vendor_fingerprint, recurring_template_id, recurring_instance_id`

func (r *sqlDocuments) Insert(d *models.Document) error {
	_, err := r.db.Exec(`INSERT INTO documents (`+documentColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.VendorName, d.Amount.String(), d.Currency, encodeTimePtr(d.DueDate),
		d.IBAN, d.TaxID, d.InvoiceNumber, d.VendorFingerprint,
		d.RecurringTemplateID, d.RecurringInstanceID)
	if err != nil {
		return engerrors.Storage("write document", err)
	}
	return nil
}

func (r *sqlDocuments) Update(d *models.Document) error {
	_, err := r.db.Exec(`UPDATE documents SET vendor_name=?, amount=?, currency=?,
		due_date=?, iban=?, tax_id=?, invoice_number=?, vendor_fingerprint=?,
		recurring_template_id=?, recurring_instance_id=? WHERE id=?`,
		d.VendorName, d.Amount.String(), d.Currency, encodeTimePtr(d.DueDate),
		d.IBAN, d.TaxID, d.InvoiceNumber, d.VendorFingerprint,
		d.RecurringTemplateID, d.RecurringInstanceID, d.ID)
	if err != nil {
		return engerrors.Storage("write document", err)
	}
	return nil
}

func (r *sqlDocuments) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM documents WHERE id=?`, id); err != nil {
		return engerrors.Storage("delete document", err)
	}
	return nil
}

func (r *sqlDocuments) ByID(id string) (*models.Document, error) {
	return r.one(`SELECT `+documentColumns+` FROM documents WHERE id=?`, id)
}

func (r *sqlDocuments) ByTemplate(templateID string) ([]*models.Document, error) {
	return r.many(`SELECT `+documentColumns+` FROM documents
		WHERE recurring_template_id=? ORDER BY id`, templateID)
}

func (r *sqlDocuments) ByInstance(instanceID string) (*models.Document, error) {
	return r.one(`SELECT `+documentColumns+` FROM documents
		WHERE recurring_instance_id=?`, instanceID)
}

func (r *sqlDocuments) Linked() ([]*models.Document, error) {
	return r.many(`SELECT ` + documentColumns + ` FROM documents
		WHERE recurring_template_id != '' OR recurring_instance_id != '' ORDER BY id`)
}

func (r *sqlDocuments) All() ([]*models.Document, error) {
	return r.many(`SELECT ` + documentColumns + ` FROM documents ORDER BY id`)
}

func (r *sqlDocuments) one(query string, args ...interface{}) (*models.Document, error) {
	d, err := scanDocument(r.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engerrors.Storage("read document", err)
	}
	return d, nil
}

func (r *sqlDocuments) many(query string, args ...interface{}) ([]*models.Document, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, engerrors.Storage("read documents", err)
	}
	defer rows.Close()

	var result []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, engerrors.Storage("scan document", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.Storage("read documents", err)
	}
	return result, nil
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var d models.Document
	var amount string
	var dueDate sql.NullString
	err := row.Scan(&d.ID, &d.VendorName, &amount, &d.Currency, &dueDate, &d.IBAN,
		&d.TaxID, &d.InvoiceNumber, &d.VendorFingerprint,
		&d.RecurringTemplateID, &d.RecurringInstanceID)
	if err != nil {
		return nil, err
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if d.DueDate, err = decodeTimePtr(dueDate); err != nil {
		return nil, err
	}
	return &d, nil
}

// Candidate repository.

type sqlCandidates struct{ db *sql.DB }

const candidateColumns = `id, vendor_fingerprint, vendor_name, document_count,
	dominant_due_day, amount_min, amount_max, amount_avg, stable_iban, currency,
	accepted, created_template_id, created_at, updated_at`

func (r *sqlCandidates) Insert(c *models.Candidate) error {
	_, err := r.db.Exec(`INSERT INTO candidates (`+candidateColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.VendorFingerprint, c.VendorName, c.DocumentCount, c.DominantDueDay,
		c.AmountMin.String(), c.AmountMax.String(), c.AmountAvg.String(),
		c.StableIBAN, c.Currency, c.Accepted, c.CreatedTemplateID,
		encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return engerrors.Storage("write candidate", err)
	}
	return nil
}

func (r *sqlCandidates) Update(c *models.Candidate) error {
	_, err := r.db.Exec(`UPDATE candidates SET vendor_fingerprint=?, vendor_name=?,
		document_count=?, dominant_due_day=?, amount_min=?, amount_max=?, amount_avg=?,
		stable_iban=?, currency=?, accepted=?, created_template_id=?, created_at=?,
		updated_at=? WHERE id=?`,
		c.VendorFingerprint, c.VendorName, c.DocumentCount, c.DominantDueDay,
		c.AmountMin.String(), c.AmountMax.String(), c.AmountAvg.String(),
		c.StableIBAN, c.Currency, c.Accepted, c.CreatedTemplateID,
		encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt), c.ID)
	if err != nil {
		return engerrors.Storage("write candidate", err)
	}
	return nil
}

func (r *sqlCandidates) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM candidates WHERE id=?`, id); err != nil {
		return engerrors.Storage("delete candidate", err)
	}
	return nil
}

func (r *sqlCandidates) ByID(id string) (*models.Candidate, error) {
	c, err := scanCandidate(r.db.QueryRow(`SELECT `+candidateColumns+` FROM candidates WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engerrors.Storage("read candidate", err)
	}
	return c, nil
}

func (r *sqlCandidates) All() ([]*models.Candidate, error) {
	rows, err := r.db.Query(`SELECT ` + candidateColumns + ` FROM candidates ORDER BY id`)
	if err != nil {
		return nil, engerrors.Storage("read candidates", err)
	}
	defer rows.Close()

	var result []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, engerrors.Storage("scan candidate", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engerrors.Storage("read candidates", err)
	}
	return result, nil
}

func scanCandidate(row rowScanner) (*models.Candidate, error) {
	var c models.Candidate
	var amountMin, amountMax, amountAvg, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.VendorFingerprint, &c.VendorName, &c.DocumentCount,
		&c.DominantDueDay, &amountMin, &amountMax, &amountAvg, &c.StableIBAN,
		&c.Currency, &c.Accepted, &c.CreatedTemplateID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if c.AmountMin, err = decimal.NewFromString(amountMin); err != nil {
		return nil, err
	}
	if c.AmountMax, err = decimal.NewFromString(amountMax); err != nil {
		return nil, err
	}
	if c.AmountAvg, err = decimal.NewFromString(amountAvg); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
