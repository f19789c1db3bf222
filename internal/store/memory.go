package store

import (
	"sort"
	"sync"

	"recurring-payments-engine/internal/models"
)

// MemoryStore is a map-backed Store guarded by a single mutex, matching the
// engine's single-writer transaction model. Secondary indexes (fingerprint,
// template/period, document links) are maintained on write so sweeps do not
// depend on full-table scans.
//
// Reads return copies; callers persist changes by calling Update.
type MemoryStore struct {
	mu sync.RWMutex

	templates  map[string]*models.Template
	instances  map[string]*models.RecurringInstance
	documents  map[string]*models.Document
	candidates map[string]*models.Candidate

	templateByFingerprint map[string]string          // full fingerprint -> template ID
	instanceByPeriod      map[string]string          // templateID + "\x00" + periodKey -> instance ID
	documentByInstance    map[string]string          // instance ID -> document ID
	documentsByTemplate   map[string]map[string]bool // template ID -> document ID set
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:             make(map[string]*models.Template),
		instances:             make(map[string]*models.RecurringInstance),
		documents:             make(map[string]*models.Document),
		candidates:            make(map[string]*models.Candidate),
		templateByFingerprint: make(map[string]string),
		instanceByPeriod:      make(map[string]string),
		documentByInstance:    make(map[string]string),
		documentsByTemplate:   make(map[string]map[string]bool),
	}
}

// Templates returns the template repository.
func (s *MemoryStore) Templates() TemplateRepository { return &memTemplates{s} }

// Instances returns the instance repository.
func (s *MemoryStore) Instances() InstanceRepository { return &memInstances{s} }

// Documents returns the document repository.
func (s *MemoryStore) Documents() DocumentRepository { return &memDocuments{s} }

// Candidates returns the candidate repository.
func (s *MemoryStore) Candidates() CandidateRepository { return &memCandidates{s} }

func periodIndexKey(templateID, periodKey string) string {
	return templateID + "\x00" + periodKey
}

// Template repository.

type memTemplates struct{ s *MemoryStore }

func (r *memTemplates) Insert(t *models.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	clone := cloneTemplate(t)
	r.s.templates[clone.ID] = clone
	r.s.templateByFingerprint[clone.VendorFingerprint] = clone.ID
	return nil
}

func (r *memTemplates) Update(t *models.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if old, ok := r.s.templates[t.ID]; ok && old.VendorFingerprint != t.VendorFingerprint {
		delete(r.s.templateByFingerprint, old.VendorFingerprint)
	}
	clone := cloneTemplate(t)
	r.s.templates[clone.ID] = clone
	r.s.templateByFingerprint[clone.VendorFingerprint] = clone.ID
	return nil
}

func (r *memTemplates) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.templates[id]; ok {
		delete(r.s.templateByFingerprint, t.VendorFingerprint)
		delete(r.s.templates, id)
	}
	return nil
}

func (r *memTemplates) ByID(id string) (*models.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if t, ok := r.s.templates[id]; ok {
		return cloneTemplate(t), nil
	}
	return nil, nil
}

func (r *memTemplates) ByFingerprint(fingerprint string) (*models.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if id, ok := r.s.templateByFingerprint[fingerprint]; ok {
		return cloneTemplate(r.s.templates[id]), nil
	}
	return nil, nil
}

func (r *memTemplates) ByVendorOnlyFingerprint(fingerprint string) ([]*models.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*models.Template
	for _, t := range r.s.templates {
		if t.VendorOnlyFingerprint == fingerprint {
			result = append(result, cloneTemplate(t))
		}
	}
	sortTemplates(result)
	return result, nil
}

func (r *memTemplates) Active() ([]*models.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*models.Template
	for _, t := range r.s.templates {
		if t.Active {
			result = append(result, cloneTemplate(t))
		}
	}
	sortTemplates(result)
	return result, nil
}

func (r *memTemplates) All() ([]*models.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	result := make([]*models.Template, 0, len(r.s.templates))
	for _, t := range r.s.templates {
		result = append(result, cloneTemplate(t))
	}
	sortTemplates(result)
	return result, nil
}

// Instance repository.

type memInstances struct{ s *MemoryStore }

func (r *memInstances) Insert(ri *models.RecurringInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	clone := cloneInstance(ri)
	r.s.instances[clone.ID] = clone
	r.s.instanceByPeriod[periodIndexKey(clone.TemplateID, clone.PeriodKey)] = clone.ID
	return nil
}

func (r *memInstances) Update(ri *models.RecurringInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if old, ok := r.s.instances[ri.ID]; ok {
		delete(r.s.instanceByPeriod, periodIndexKey(old.TemplateID, old.PeriodKey))
	}
	clone := cloneInstance(ri)
	r.s.instances[clone.ID] = clone
	r.s.instanceByPeriod[periodIndexKey(clone.TemplateID, clone.PeriodKey)] = clone.ID
	return nil
}

func (r *memInstances) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if ri, ok := r.s.instances[id]; ok {
		delete(r.s.instanceByPeriod, periodIndexKey(ri.TemplateID, ri.PeriodKey))
		delete(r.s.instances, id)
	}
	return nil
}

func (r *memInstances) ByID(id string) (*models.RecurringInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if ri, ok := r.s.instances[id]; ok {
		return cloneInstance(ri), nil
	}
	return nil, nil
}

func (r *memInstances) ByTemplateAndPeriod(templateID, periodKey string) (*models.RecurringInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if id, ok := r.s.instanceByPeriod[periodIndexKey(templateID, periodKey)]; ok {
		return cloneInstance(r.s.instances[id]), nil
	}
	return nil, nil
}

func (r *memInstances) ByTemplate(templateID string) ([]*models.RecurringInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*models.RecurringInstance
	for _, ri := range r.s.instances {
		if ri.TemplateID == templateID {
			result = append(result, cloneInstance(ri))
		}
	}
	sortInstances(result)
	return result, nil
}

func (r *memInstances) ByStatus(status models.InstanceStatus) ([]*models.RecurringInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*models.RecurringInstance
	for _, ri := range r.s.instances {
		if ri.Status == status {
			result = append(result, cloneInstance(ri))
		}
	}
	sortInstances(result)
	return result, nil
}

func (r *memInstances) All() ([]*models.RecurringInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	result := make([]*models.RecurringInstance, 0, len(r.s.instances))
	for _, ri := range r.s.instances {
		result = append(result, cloneInstance(ri))
	}
	sortInstances(result)
	return result, nil
}

// Document repository.

type memDocuments struct{ s *MemoryStore }

func (r *memDocuments) Insert(d *models.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	clone := cloneDocument(d)
	r.s.documents[clone.ID] = clone
	r.s.indexDocument(clone)
	return nil
}

func (r *memDocuments) Update(d *models.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if old, ok := r.s.documents[d.ID]; ok {
		r.s.unindexDocument(old)
	}
	clone := cloneDocument(d)
	r.s.documents[clone.ID] = clone
	r.s.indexDocument(clone)
	return nil
}

func (r *memDocuments) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.documents[id]; ok {
		r.s.unindexDocument(d)
		delete(r.s.documents, id)
	}
	return nil
}

func (r *memDocuments) ByID(id string) (*models.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if d, ok := r.s.documents[id]; ok {
		return cloneDocument(d), nil
	}
	return nil, nil
}

func (r *memDocuments) ByTemplate(templateID string) ([]*models.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*models.Document
	for id := range r.s.documentsByTemplate[templateID] {
		result = append(result, cloneDocument(r.s.documents[id]))
	}
	sortDocuments(result)
	return result, nil
}

func (r *memDocuments) ByInstance(instanceID string) (*models.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if id, ok := r.s.documentByInstance[instanceID]; ok {
		return cloneDocument(r.s.documents[id]), nil
	}
	return nil, nil
}

func (r *memDocuments) Linked() ([]*models.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var result []*models.Document
	for _, d := range r.s.documents {
		if d.IsLinked() {
			result = append(result, cloneDocument(d))
		}
	}
	sortDocuments(result)
	return result, nil
}

func (r *memDocuments) All() ([]*models.Document, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	result := make([]*models.Document, 0, len(r.s.documents))
	for _, d := range r.s.documents {
		result = append(result, cloneDocument(d))
	}
	sortDocuments(result)
	return result, nil
}

func (s *MemoryStore) indexDocument(d *models.Document) {
	if d.RecurringInstanceID != "" {
		s.documentByInstance[d.RecurringInstanceID] = d.ID
	}
	if d.RecurringTemplateID != "" {
		set, ok := s.documentsByTemplate[d.RecurringTemplateID]
		if !ok {
			set = make(map[string]bool)
			s.documentsByTemplate[d.RecurringTemplateID] = set
		}
		set[d.ID] = true
	}
}

func (s *MemoryStore) unindexDocument(d *models.Document) {
	if d.RecurringInstanceID != "" && s.documentByInstance[d.RecurringInstanceID] == d.ID {
		delete(s.documentByInstance, d.RecurringInstanceID)
	}
	if d.RecurringTemplateID != "" {
		if set, ok := s.documentsByTemplate[d.RecurringTemplateID]; ok {
			delete(set, d.ID)
			if len(set) == 0 {
				delete(s.documentsByTemplate, d.RecurringTemplateID)
			}
		}
	}
}

// Candidate repository.

type memCandidates struct{ s *MemoryStore }

func (r *memCandidates) Insert(c *models.Candidate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.candidates[c.ID] = cloneCandidate(c)
	return nil
}

func (r *memCandidates) Update(c *models.Candidate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.candidates[c.ID] = cloneCandidate(c)
	return nil
}

func (r *memCandidates) Delete(id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.candidates, id)
	return nil
}

func (r *memCandidates) ByID(id string) (*models.Candidate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if c, ok := r.s.candidates[id]; ok {
		return cloneCandidate(c), nil
	}
	return nil, nil
}

func (r *memCandidates) All() ([]*models.Candidate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	result := make([]*models.Candidate, 0, len(r.s.candidates))
	for _, c := range r.s.candidates {
		result = append(result, cloneCandidate(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Clone helpers keep callers from mutating stored state without an Update.

func cloneTemplate(t *models.Template) *models.Template {
	clone := *t
	clone.ReminderOffsets = append([]int(nil), t.ReminderOffsets...)
	return &clone
}

func cloneInstance(ri *models.RecurringInstance) *models.RecurringInstance {
	clone := *ri
	clone.ReminderIDs = append([]string(nil), ri.ReminderIDs...)
	if ri.ExpectedAmount != nil {
		v := *ri.ExpectedAmount
		clone.ExpectedAmount = &v
	}
	if ri.ActualAmount != nil {
		v := *ri.ActualAmount
		clone.ActualAmount = &v
	}
	if ri.ActualDueDate != nil {
		v := *ri.ActualDueDate
		clone.ActualDueDate = &v
	}
	return &clone
}

func cloneDocument(d *models.Document) *models.Document {
	clone := *d
	if d.DueDate != nil {
		v := *d.DueDate
		clone.DueDate = &v
	}
	return &clone
}

func cloneCandidate(c *models.Candidate) *models.Candidate {
	clone := *c
	return &clone
}

func sortTemplates(ts []*models.Template) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

func sortInstances(ris []*models.RecurringInstance) {
	sort.Slice(ris, func(i, j int) bool {
		if ris[i].PeriodKey != ris[j].PeriodKey {
			return ris[i].PeriodKey < ris[j].PeriodKey
		}
		return ris[i].ID < ris[j].ID
	})
}

func sortDocuments(ds []*models.Document) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}
