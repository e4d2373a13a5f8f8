package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Unique constraints on the patient table.
const (
	ConstraintPatientCode = "patient_patient_id_key"
	ConstraintNameContact = "patient_name_contact_key"
	ConstraintAadhaar     = "patient_aadhaar_key"
)

// ErrConflict is wrapped by ConflictError.
var ErrConflict = errors.New("unique constraint violation")

// ConflictError is returned by repositories when an insert or update hits a
// unique constraint.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConflict, e.Constraint)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// VisitFilter narrows visit listings. Zero fields do not filter. The visit
// date range is half-open: [From, To).
type VisitFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Statuses  []string
	From      *time.Time
	To        *time.Time
}

type PatientRepository interface {
	// NextPatientNumber returns the next value of the atomic patient counter.
	NextPatientNumber(ctx context.Context) (int, error)
	// SyncPatientNumber moves the counter past the highest stored PTnnnn id
	// and returns the last value issued. It never moves the counter back.
	SyncPatientNumber(ctx context.Context) (int, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByPatientID(ctx context.Context, patientID string) (*Patient, error)
	// FindByNameAndContact and FindByAadhaar return nil, nil when nothing matches.
	FindByNameAndContact(ctx context.Context, name, contact string) (*Patient, error)
	FindByAadhaar(ctx context.Context, aadhaar string) (*Patient, error)
	// Search matches name, contact number or patient id by case-insensitive substring.
	Search(ctx context.Context, query string) ([]*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context) ([]*Doctor, error)
}

type DepartmentRepository interface {
	Create(ctx context.Context, d *Department) error
	GetByID(ctx context.Context, id uuid.UUID) (*Department, error)
	List(ctx context.Context) ([]*Department, error)
}

type VisitRepository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	Update(ctx context.Context, v *Visit) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f VisitFilter) ([]*Visit, error)
	Count(ctx context.Context, f VisitFilter) (int, error)
}

type TestRepository interface {
	Create(ctx context.Context, t *Test) error
	GetByID(ctx context.Context, id uuid.UUID) (*Test, error)
	Update(ctx context.Context, t *Test) error
	List(ctx context.Context) ([]*Test, error)
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Test, error)
	// AppendFiles and RemoveFile change the file list in a single write.
	AppendFiles(ctx context.Context, testID uuid.UUID, files []AttachmentFile) error
	RemoveFile(ctx context.Context, testID uuid.UUID, storedName string) (bool, error)
	// ReferencesStoredName reports whether any test lists the stored file name.
	ReferencesStoredName(ctx context.Context, storedName string) (bool, error)
}

type PrescriptionRepository interface {
	// Upsert replaces the prescription for p.VisitID, keeping its ID and files.
	Upsert(ctx context.Context, p *Prescription) error
	GetByVisit(ctx context.Context, visitID uuid.UUID) (*Prescription, error)
	List(ctx context.Context) ([]*Prescription, error)
	AppendFiles(ctx context.Context, visitID uuid.UUID, files []AttachmentFile) error
	RemoveFile(ctx context.Context, visitID uuid.UUID, storedName string) (bool, error)

	AppendAudit(ctx context.Context, a *PrescriptionAudit) error
	ListAudit(ctx context.Context, visitID uuid.UUID) ([]*PrescriptionAudit, error)
}

// ProjectionRepository stores the denormalized views. A nil patientID in the
// Replace methods means the whole collection.
type ProjectionRepository interface {
	ReplaceVisitSummaries(ctx context.Context, patientID *uuid.UUID, rows []*VisitSummary) error
	ReplacePatientHistory(ctx context.Context, patientID *uuid.UUID, rows []*PatientHistoryEntry) error
	PutVisitSummary(ctx context.Context, row *VisitSummary) error
	DeleteVisitSummary(ctx context.Context, visitID uuid.UUID) error
	PutPatientHistory(ctx context.Context, row *PatientHistoryEntry) error
	DeletePatientHistory(ctx context.Context, visitID uuid.UUID) error
	ListVisitSummaries(ctx context.Context, patientID *uuid.UUID) ([]*VisitSummary, error)
	ListPatientHistory(ctx context.Context, patientID *uuid.UUID) ([]*PatientHistoryEntry, error)
}

// Store bundles the primary record repositories and the projection
// repository. It is passed explicitly to each component.
type Store struct {
	Patients      PatientRepository
	Doctors       DoctorRepository
	Departments   DepartmentRepository
	Visits        VisitRepository
	Tests         TestRepository
	Prescriptions PrescriptionRepository
	Projections   ProjectionRepository
}
