package records

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. Patients are never hard-deleted.
type Patient struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PatientID      string    `db:"patient_id" json:"patient_id"`
	Name           string    `db:"name" json:"name"`
	ContactNumber  string    `db:"contact_number" json:"contact_number"`
	AadhaarNumber  string    `db:"aadhaar_number" json:"aadhaar_number,omitempty"`
	DateOfBirth    time.Time `db:"date_of_birth" json:"date_of_birth"`
	Gender         string    `db:"gender" json:"gender"`
	Address        string    `db:"address" json:"address"`
	Allergies      string    `db:"allergies" json:"allergies,omitempty"`
	ChronicIllness string    `db:"chronic_illness" json:"chronic_illness,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Department is reference data.
type Department struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Doctor is reference data. Username uniqueness across the doctor and admin
// namespaces is owned by the account service.
type Doctor struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Username       string     `db:"username" json:"username"`
	Name           string     `db:"name" json:"name"`
	DepartmentID   *uuid.UUID `db:"department_id" json:"department_id,omitempty"`
	Specialization string     `db:"specialization" json:"specialization,omitempty"`
	Phone          string     `db:"phone" json:"phone,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Visit statuses.
const (
	VisitAssigned   = "assigned"
	VisitInProgress = "in_progress"
	VisitCompleted  = "completed"
	VisitCancelled  = "cancelled"
)

// visitTransitions lists the allowed next statuses for each status.
var visitTransitions = map[string][]string{
	VisitAssigned:   {VisitInProgress, VisitCancelled},
	VisitInProgress: {VisitCompleted, VisitCancelled},
}

// CanTransition reports whether a visit may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range visitTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var validVisitTypes = map[string]bool{
	"regular":   true,
	"follow-up": true,
	"emergency": true,
}

var validPriorities = map[string]bool{
	"low":    true,
	"normal": true,
	"high":   true,
	"urgent": true,
}

// ClinicalFields is the set of fields a doctor records when completing a
// visit. It is also the snapshot type stored in prescriptions and audits.
type ClinicalFields struct {
	Symptoms     string     `json:"symptoms"`
	Diagnosis    string     `json:"diagnosis"`
	Medications  string     `json:"medications"`
	Instructions string     `json:"instructions"`
	FollowUpDate *time.Time `json:"follow_up_date,omitempty"`
}

// Empty reports whether neither a diagnosis nor medications were recorded.
func (c ClinicalFields) Empty() bool {
	return c.Diagnosis == "" && c.Medications == ""
}

// Visit maps to the visit table.
type Visit struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID       uuid.UUID `db:"doctor_id" json:"doctor_id"`
	DepartmentID   uuid.UUID `db:"department_id" json:"department_id"`
	VisitDate      time.Time `db:"visit_date" json:"visit_date"`
	Status         string    `db:"status" json:"status"`
	ReasonForVisit string    `db:"reason_for_visit" json:"reason_for_visit"`
	VisitType      string    `db:"visit_type" json:"visit_type"`
	Priority       string    `db:"priority" json:"priority"`
	Notes          string    `db:"notes" json:"notes,omitempty"`
	ClinicalFields
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ModifiedBy  *uuid.UUID `db:"modified_by" json:"modified_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Clinical returns a copy of the visit's clinical fields.
func (v *Visit) Clinical() ClinicalFields {
	c := v.ClinicalFields
	if c.FollowUpDate != nil {
		d := *c.FollowUpDate
		c.FollowUpDate = &d
	}
	return c
}

// Test statuses.
const (
	TestAssigned  = "assigned"
	TestCompleted = "completed"
)

// Test maps to the test table. Files keeps upload order.
type Test struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	VisitID       uuid.UUID        `db:"visit_id" json:"visit_id"`
	PatientID     uuid.UUID        `db:"patient_id" json:"patient_id"`
	DoctorID      uuid.UUID        `db:"doctor_id" json:"doctor_id"`
	TestName      string           `db:"test_name" json:"test_name"`
	TestType      string           `db:"test_type" json:"test_type"`
	Status        string           `db:"status" json:"status"`
	Results       string           `db:"results" json:"results,omitempty"`
	AssignedDate  time.Time        `db:"assigned_date" json:"assigned_date"`
	CompletedDate *time.Time       `db:"completed_date" json:"completed_date,omitempty"`
	Files         []AttachmentFile `db:"files" json:"files"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
}

// Prescription is the reporting snapshot of a completed visit, one per visit.
type Prescription struct {
	ID        uuid.UUID `db:"id" json:"id"`
	VisitID   uuid.UUID `db:"visit_id" json:"visit_id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctor_id"`
	ClinicalFields
	Files          []AttachmentFile `db:"files" json:"files"`
	PrescribedAt   time.Time        `db:"prescribed_at" json:"prescribed_at"`
	LastModified   time.Time        `db:"last_modified" json:"last_modified"`
	LastModifiedBy uuid.UUID        `db:"last_modified_by" json:"last_modified_by"`
}

// PrescriptionAudit is an append-only record of one edit to a completed
// visit's clinical fields.
type PrescriptionAudit struct {
	ID       uuid.UUID      `db:"id" json:"id"`
	VisitID  uuid.UUID      `db:"visit_id" json:"visit_id"`
	EditorID uuid.UUID      `db:"editor_id" json:"editor_id"`
	EditedAt time.Time      `db:"edited_at" json:"edited_at"`
	Original ClinicalFields `db:"original_data" json:"original_data"`
	New      ClinicalFields `db:"new_data" json:"new_data"`
}

// AttachmentFile describes one uploaded file owned by a test or prescription.
// FileName is the untrusted client name; StoredName is the on-disk name.
type AttachmentFile struct {
	FileName   string    `json:"filename"`
	StoredName string    `json:"stored_filename"`
	Path       string    `json:"file_path"`
	Size       int64     `json:"file_size"`
	MimeType   string    `json:"mime_type"`
	UploadedAt time.Time `json:"upload_date"`
	UploadedBy string    `json:"uploaded_by,omitempty"`
}

// UnknownLabel is rendered in projections when a joined reference is missing.
const UnknownLabel = "Unknown"

// TestDescriptor is the embedded form of a test inside a visit summary.
type TestDescriptor struct {
	TestID        uuid.UUID  `json:"test_id"`
	TestName      string     `json:"test_name"`
	TestType      string     `json:"test_type"`
	Status        string     `json:"status"`
	Results       string     `json:"results,omitempty"`
	AssignedDate  time.Time  `json:"assigned_date"`
	CompletedDate *time.Time `json:"completed_date,omitempty"`
	FileCount     int        `json:"file_count"`
}

// VisitSummary is a denormalized, rebuildable view of one visit.
type VisitSummary struct {
	VisitID        uuid.UUID  `db:"visit_id" json:"visit_id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName    string     `db:"patient_name" json:"patient_name"`
	PatientCode    string     `db:"patient_code" json:"patient_code"`
	DoctorID       uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	DoctorName     string     `db:"doctor_name" json:"doctor_name"`
	DepartmentID   uuid.UUID  `db:"department_id" json:"department_id"`
	DepartmentName string     `db:"department_name" json:"department_name"`
	VisitDate      time.Time  `db:"visit_date" json:"visit_date"`
	VisitStatus    string     `db:"visit_status" json:"visit_status"`
	ChiefComplaint string     `db:"chief_complaint" json:"chief_complaint"`
	ClinicalFields
	Tests []TestDescriptor `db:"tests" json:"tests_ordered"`
}

// PatientHistoryEntry is a denormalized, rebuildable view of one completed
// visit that recorded a diagnosis or medications.
type PatientHistoryEntry struct {
	VisitID        uuid.UUID `db:"visit_id" json:"visit_id"`
	PatientID      uuid.UUID `db:"patient_id" json:"patient_id"`
	PatientName    string    `db:"patient_name" json:"patient_name"`
	PatientCode    string    `db:"patient_code" json:"patient_code"`
	PatientAge     int       `db:"patient_age" json:"patient_age"`
	DoctorName     string    `db:"doctor_name" json:"doctor_name"`
	DepartmentName string    `db:"department_name" json:"department_name"`
	EventDate      time.Time `db:"event_date" json:"event_date"`
	ChiefComplaint string    `db:"chief_complaint" json:"chief_complaint"`
	ClinicalFields
	TestResults []string  `db:"test_results" json:"test_results"`
	CompletedAt time.Time `db:"completed_at" json:"completed_at"`
}

// Workload is a doctor's visit load for one day. Active and Completed are
// deliberately separate metrics.
type Workload struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Day       time.Time `json:"day"`
	Active    int       `json:"active"`
	Completed int       `json:"completed"`
}
