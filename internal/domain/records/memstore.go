package records

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memState is the shared state behind the in-memory repositories. All
// access goes through mu; values are copied in and out so callers never
// alias stored records.
type memState struct {
	mu sync.RWMutex

	patientSeq     int
	patientSeeded  bool
	patients       map[uuid.UUID]*Patient
	doctors        map[uuid.UUID]*Doctor
	departments    map[uuid.UUID]*Department
	visits         map[uuid.UUID]*Visit
	tests          map[uuid.UUID]*Test
	prescriptions  map[uuid.UUID]*Prescription // keyed by visit id
	audits         []*PrescriptionAudit
	visitSummaries map[uuid.UUID]*VisitSummary        // keyed by visit id
	history        map[uuid.UUID]*PatientHistoryEntry // keyed by visit id
}

// NewMemoryStore returns a thread-safe, in-memory Store for tests and local
// development.
func NewMemoryStore() *Store {
	s := &memState{
		patients:       make(map[uuid.UUID]*Patient),
		doctors:        make(map[uuid.UUID]*Doctor),
		departments:    make(map[uuid.UUID]*Department),
		visits:         make(map[uuid.UUID]*Visit),
		tests:          make(map[uuid.UUID]*Test),
		prescriptions:  make(map[uuid.UUID]*Prescription),
		visitSummaries: make(map[uuid.UUID]*VisitSummary),
		history:        make(map[uuid.UUID]*PatientHistoryEntry),
	}
	return &Store{
		Patients:      &memPatients{s},
		Doctors:       &memDoctors{s},
		Departments:   &memDepartments{s},
		Visits:        &memVisits{s},
		Tests:         &memTests{s},
		Prescriptions: &memPrescriptions{s},
		Projections:   &memProjections{s},
	}
}

func copyFiles(in []AttachmentFile) []AttachmentFile {
	if in == nil {
		return []AttachmentFile{}
	}
	out := make([]AttachmentFile, len(in))
	copy(out, in)
	return out
}

// -- Patients --

type memPatients struct{ s *memState }

// syncSeq raises the counter to the highest numeric patient id present.
// Callers hold mu.
func (r *memPatients) syncSeq() {
	for _, p := range r.s.patients {
		if !strings.HasPrefix(p.PatientID, "PT") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(p.PatientID, "PT")); err == nil && n > r.s.patientSeq {
			r.s.patientSeq = n
		}
	}
	r.s.patientSeeded = true
}

func (r *memPatients) NextPatientNumber(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.patientSeeded {
		r.syncSeq()
	}
	r.s.patientSeq++
	return r.s.patientSeq, nil
}

func (r *memPatients) SyncPatientNumber(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.syncSeq()
	return r.s.patientSeq, nil
}

func (r *memPatients) Create(_ context.Context, p *Patient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.patients {
		switch {
		case existing.PatientID == p.PatientID:
			return &ConflictError{Constraint: ConstraintPatientCode}
		case existing.Name == p.Name && existing.ContactNumber == p.ContactNumber:
			return &ConflictError{Constraint: ConstraintNameContact}
		case p.AadhaarNumber != "" && existing.AadhaarNumber == p.AadhaarNumber:
			return &ConflictError{Constraint: ConstraintAadhaar}
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	r.s.patients[p.ID] = &cp
	return nil
}

func (r *memPatients) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.patients[id]
	if !ok {
		return nil, NotFound("patient", id)
	}
	cp := *p
	return &cp, nil
}

func (r *memPatients) GetByPatientID(_ context.Context, patientID string) (*Patient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, p := range r.s.patients {
		if p.PatientID == patientID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &NotFoundError{Entity: "patient", ID: patientID}
}

func (r *memPatients) find(match func(*Patient) bool) *Patient {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, p := range r.s.patients {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (r *memPatients) FindByNameAndContact(_ context.Context, name, contact string) (*Patient, error) {
	return r.find(func(p *Patient) bool { return p.Name == name && p.ContactNumber == contact }), nil
}

func (r *memPatients) FindByAadhaar(_ context.Context, aadhaar string) (*Patient, error) {
	if aadhaar == "" {
		return nil, nil
	}
	return r.find(func(p *Patient) bool { return p.AadhaarNumber == aadhaar }), nil
}

func (r *memPatients) Search(ctx context.Context, query string) ([]*Patient, error) {
	all, _ := r.List(ctx)
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*Patient
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.ContactNumber), q) ||
			strings.Contains(strings.ToLower(p.PatientID), q) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memPatients) List(_ context.Context) ([]*Patient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*Patient, 0, len(r.s.patients))
	for _, p := range r.s.patients {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

func (r *memPatients) Update(_ context.Context, p *Patient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.patients[p.ID]; !ok {
		return NotFound("patient", p.ID)
	}
	for id, existing := range r.s.patients {
		if id == p.ID {
			continue
		}
		if existing.Name == p.Name && existing.ContactNumber == p.ContactNumber {
			return &ConflictError{Constraint: ConstraintNameContact}
		}
		if p.AadhaarNumber != "" && existing.AadhaarNumber == p.AadhaarNumber {
			return &ConflictError{Constraint: ConstraintAadhaar}
		}
	}
	cp := *p
	r.s.patients[p.ID] = &cp
	return nil
}

// -- Doctors & Departments --

type memDoctors struct{ s *memState }

func (r *memDoctors) Create(_ context.Context, d *Doctor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	r.s.doctors[d.ID] = &cp
	return nil
}

func (r *memDoctors) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.doctors[id]
	if !ok {
		return nil, NotFound("doctor", id)
	}
	cp := *d
	return &cp, nil
}

func (r *memDoctors) List(_ context.Context) ([]*Doctor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*Doctor, 0, len(r.s.doctors))
	for _, d := range r.s.doctors {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memDepartments struct{ s *memState }

func (r *memDepartments) Create(_ context.Context, d *Department) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	r.s.departments[d.ID] = &cp
	return nil
}

func (r *memDepartments) GetByID(_ context.Context, id uuid.UUID) (*Department, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.departments[id]
	if !ok {
		return nil, NotFound("department", id)
	}
	cp := *d
	return &cp, nil
}

func (r *memDepartments) List(_ context.Context) ([]*Department, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*Department, 0, len(r.s.departments))
	for _, d := range r.s.departments {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// -- Visits --

type memVisits struct{ s *memState }

func copyVisit(v *Visit) *Visit {
	cp := *v
	cp.ClinicalFields = v.Clinical()
	return &cp
}

func (r *memVisits) Create(_ context.Context, v *Visit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	r.s.visits[v.ID] = copyVisit(v)
	return nil
}

func (r *memVisits) GetByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	v, ok := r.s.visits[id]
	if !ok {
		return nil, NotFound("visit", id)
	}
	return copyVisit(v), nil
}

func (r *memVisits) Update(_ context.Context, v *Visit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.visits[v.ID]; !ok {
		return NotFound("visit", v.ID)
	}
	v.UpdatedAt = time.Now().UTC()
	r.s.visits[v.ID] = copyVisit(v)
	return nil
}

func (r *memVisits) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.visits[id]; !ok {
		return NotFound("visit", id)
	}
	delete(r.s.visits, id)
	return nil
}

func matchVisit(v *Visit, f VisitFilter) bool {
	if f.PatientID != nil && v.PatientID != *f.PatientID {
		return false
	}
	if f.DoctorID != nil && v.DoctorID != *f.DoctorID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if v.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && v.VisitDate.Before(*f.From) {
		return false
	}
	if f.To != nil && !v.VisitDate.Before(*f.To) {
		return false
	}
	return true
}

func (r *memVisits) List(_ context.Context, f VisitFilter) ([]*Visit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Visit
	for _, v := range r.s.visits {
		if matchVisit(v, f) {
			out = append(out, copyVisit(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VisitDate.Equal(out[j].VisitDate) {
			return out[i].VisitDate.After(out[j].VisitDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *memVisits) Count(ctx context.Context, f VisitFilter) (int, error) {
	vs, err := r.List(ctx, f)
	return len(vs), err
}

// -- Tests --

type memTests struct{ s *memState }

func copyTest(t *Test) *Test {
	cp := *t
	cp.Files = copyFiles(t.Files)
	return &cp
}

func (r *memTests) Create(_ context.Context, t *Test) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.AssignedDate.IsZero() {
		t.AssignedDate = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	r.s.tests[t.ID] = copyTest(t)
	return nil
}

func (r *memTests) GetByID(_ context.Context, id uuid.UUID) (*Test, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tests[id]
	if !ok {
		return nil, NotFound("test", id)
	}
	return copyTest(t), nil
}

func (r *memTests) Update(_ context.Context, t *Test) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tests[t.ID]; !ok {
		return NotFound("test", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	r.s.tests[t.ID] = copyTest(t)
	return nil
}

func (r *memTests) list(match func(*Test) bool) []*Test {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*Test
	for _, t := range r.s.tests {
		if match(t) {
			out = append(out, copyTest(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedDate.Equal(out[j].AssignedDate) {
			return out[i].AssignedDate.Before(out[j].AssignedDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *memTests) List(_ context.Context) ([]*Test, error) {
	return r.list(func(*Test) bool { return true }), nil
}

func (r *memTests) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*Test, error) {
	return r.list(func(t *Test) bool { return t.VisitID == visitID }), nil
}

func (r *memTests) AppendFiles(_ context.Context, testID uuid.UUID, files []AttachmentFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tests[testID]
	if !ok {
		return NotFound("test", testID)
	}
	t.Files = append(copyFiles(t.Files), files...)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memTests) RemoveFile(_ context.Context, testID uuid.UUID, storedName string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tests[testID]
	if !ok {
		return false, NotFound("test", testID)
	}
	files, removed := removeFile(t.Files, storedName)
	t.Files = files
	return removed, nil
}

func (r *memTests) ReferencesStoredName(_ context.Context, storedName string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, t := range r.s.tests {
		for _, f := range t.Files {
			if f.StoredName == storedName {
				return true, nil
			}
		}
	}
	return false, nil
}

func removeFile(files []AttachmentFile, storedName string) ([]AttachmentFile, bool) {
	out := make([]AttachmentFile, 0, len(files))
	removed := false
	for _, f := range files {
		if !removed && f.StoredName == storedName {
			removed = true
			continue
		}
		out = append(out, f)
	}
	return out, removed
}

// -- Prescriptions --

type memPrescriptions struct{ s *memState }

func copyPrescription(p *Prescription) *Prescription {
	cp := *p
	cp.Files = copyFiles(p.Files)
	if p.FollowUpDate != nil {
		d := *p.FollowUpDate
		cp.FollowUpDate = &d
	}
	return &cp
}

func (r *memPrescriptions) Upsert(_ context.Context, p *Prescription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.prescriptions[p.VisitID]; ok {
		p.ID = existing.ID
		p.PrescribedAt = existing.PrescribedAt
		p.Files = copyFiles(existing.Files)
	} else if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.s.prescriptions[p.VisitID] = copyPrescription(p)
	return nil
}

func (r *memPrescriptions) GetByVisit(_ context.Context, visitID uuid.UUID) (*Prescription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.prescriptions[visitID]
	if !ok {
		return nil, &NotFoundError{Entity: "prescription for visit", ID: visitID.String()}
	}
	return copyPrescription(p), nil
}

func (r *memPrescriptions) List(_ context.Context) ([]*Prescription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*Prescription, 0, len(r.s.prescriptions))
	for _, p := range r.s.prescriptions {
		out = append(out, copyPrescription(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitID.String() < out[j].VisitID.String() })
	return out, nil
}

func (r *memPrescriptions) AppendFiles(_ context.Context, visitID uuid.UUID, files []AttachmentFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.prescriptions[visitID]
	if !ok {
		return &NotFoundError{Entity: "prescription for visit", ID: visitID.String()}
	}
	p.Files = append(copyFiles(p.Files), files...)
	return nil
}

func (r *memPrescriptions) RemoveFile(_ context.Context, visitID uuid.UUID, storedName string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.prescriptions[visitID]
	if !ok {
		return false, &NotFoundError{Entity: "prescription for visit", ID: visitID.String()}
	}
	files, removed := removeFile(p.Files, storedName)
	p.Files = files
	return removed, nil
}

func (r *memPrescriptions) AppendAudit(_ context.Context, a *PrescriptionAudit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	r.s.audits = append(r.s.audits, &cp)
	return nil
}

func (r *memPrescriptions) ListAudit(_ context.Context, visitID uuid.UUID) ([]*PrescriptionAudit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*PrescriptionAudit
	// Newest first.
	for i := len(r.s.audits) - 1; i >= 0; i-- {
		if r.s.audits[i].VisitID == visitID {
			cp := *r.s.audits[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- Projections --

type memProjections struct{ s *memState }

func (r *memProjections) ReplaceVisitSummaries(_ context.Context, patientID *uuid.UUID, rows []*VisitSummary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, row := range r.s.visitSummaries {
		if patientID == nil || row.PatientID == *patientID {
			delete(r.s.visitSummaries, id)
		}
	}
	for _, row := range rows {
		cp := *row
		r.s.visitSummaries[row.VisitID] = &cp
	}
	return nil
}

func (r *memProjections) ReplacePatientHistory(_ context.Context, patientID *uuid.UUID, rows []*PatientHistoryEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, row := range r.s.history {
		if patientID == nil || row.PatientID == *patientID {
			delete(r.s.history, id)
		}
	}
	for _, row := range rows {
		cp := *row
		r.s.history[row.VisitID] = &cp
	}
	return nil
}

func (r *memProjections) PutVisitSummary(_ context.Context, row *VisitSummary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *row
	r.s.visitSummaries[row.VisitID] = &cp
	return nil
}

func (r *memProjections) DeleteVisitSummary(_ context.Context, visitID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.visitSummaries, visitID)
	return nil
}

func (r *memProjections) PutPatientHistory(_ context.Context, row *PatientHistoryEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *row
	r.s.history[row.VisitID] = &cp
	return nil
}

func (r *memProjections) DeletePatientHistory(_ context.Context, visitID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.history, visitID)
	return nil
}

func (r *memProjections) ListVisitSummaries(_ context.Context, patientID *uuid.UUID) ([]*VisitSummary, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*VisitSummary
	for _, row := range r.s.visitSummaries {
		if patientID == nil || row.PatientID == *patientID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return summaryLess(out[i].VisitDate, out[i].VisitID, out[j].VisitDate, out[j].VisitID)
	})
	return out, nil
}

func (r *memProjections) ListPatientHistory(_ context.Context, patientID *uuid.UUID) ([]*PatientHistoryEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*PatientHistoryEntry
	for _, row := range r.s.history {
		if patientID == nil || row.PatientID == *patientID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return summaryLess(out[i].EventDate, out[i].VisitID, out[j].EventDate, out[j].VisitID)
	})
	return out, nil
}

// summaryLess orders projection rows newest first, then by visit id.
func summaryLess(ad time.Time, aid uuid.UUID, bd time.Time, bid uuid.UUID) bool {
	if !ad.Equal(bd) {
		return ad.After(bd)
	}
	return aid.String() < bid.String()
}
