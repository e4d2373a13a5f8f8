package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProjectionRefresher re-derives the projections of one visit after it
// changed. It is implemented by the projection package.
type ProjectionRefresher interface {
	RefreshVisit(ctx context.Context, visitID uuid.UUID) error
}

// Service drives the visit lifecycle and prescription edits.
type Service struct {
	store     *Store
	refresher ProjectionRefresher
	now       func() time.Time
	log       zerolog.Logger
}

func NewService(store *Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "records").Logger(),
	}
}

// SetProjectionRefresher installs the hook run after visit writes.
func (s *Service) SetProjectionRefresher(r ProjectionRefresher) {
	s.refresher = r
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// AssignVisitInput is the payload for AssignVisit.
type AssignVisitInput struct {
	PatientID      uuid.UUID
	DoctorID       uuid.UUID
	DepartmentID   uuid.UUID
	VisitDate      time.Time
	ReasonForVisit string
	VisitType      string
	Priority       string
	Notes          string
}

// AssignVisit creates a visit in the assigned status after checking that the
// patient, doctor and department exist.
func (s *Service) AssignVisit(ctx context.Context, in AssignVisitInput) (*Visit, error) {
	if in.PatientID == uuid.Nil {
		return nil, Invalid("patient_id", "is required")
	}
	if in.DoctorID == uuid.Nil {
		return nil, Invalid("doctor_id", "is required")
	}
	if in.DepartmentID == uuid.Nil {
		return nil, Invalid("department_id", "is required")
	}
	if in.VisitType == "" {
		in.VisitType = "regular"
	}
	if !validVisitTypes[in.VisitType] {
		return nil, Invalid("visit_type", fmt.Sprintf("unknown visit type %q", in.VisitType))
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}
	if !validPriorities[in.Priority] {
		return nil, Invalid("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}

	if _, err := s.store.Patients.GetByID(ctx, in.PatientID); err != nil {
		return nil, err
	}
	if _, err := s.store.Doctors.GetByID(ctx, in.DoctorID); err != nil {
		return nil, err
	}
	if _, err := s.store.Departments.GetByID(ctx, in.DepartmentID); err != nil {
		return nil, err
	}

	visitDate := in.VisitDate
	if visitDate.IsZero() {
		visitDate = s.now()
	}
	v := &Visit{
		PatientID:      in.PatientID,
		DoctorID:       in.DoctorID,
		DepartmentID:   in.DepartmentID,
		VisitDate:      visitDate,
		Status:         VisitAssigned,
		ReasonForVisit: strings.TrimSpace(in.ReasonForVisit),
		VisitType:      in.VisitType,
		Priority:       in.Priority,
		Notes:          in.Notes,
	}
	if err := s.store.Visits.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("create visit: %w", err)
	}

	s.log.Info().Str("visit_id", v.ID.String()).Str("doctor_id", v.DoctorID.String()).Msg("visit assigned")
	if err := s.refresh(ctx, v.ID); err != nil {
		return v, &PartialWriteError{Completed: []string{"visit"}, Failed: "projection", Err: err}
	}
	return v, nil
}

// transition loads a visit and checks that it may move to next.
func (s *Service) transition(ctx context.Context, visitID uuid.UUID, next string) (*Visit, error) {
	v, err := s.store.Visits.GetByID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(v.Status, next) {
		return nil, Invalid("status", fmt.Sprintf("cannot move visit from %s to %s", v.Status, next))
	}
	return v, nil
}

func checkDoctor(v *Visit, doctorID uuid.UUID) error {
	if v.DoctorID != doctorID {
		return Invalid("doctor_id", "visit is assigned to another doctor")
	}
	return nil
}

// StartVisit moves an assigned visit to in_progress.
func (s *Service) StartVisit(ctx context.Context, visitID, doctorID uuid.UUID) (*Visit, error) {
	v, err := s.transition(ctx, visitID, VisitInProgress)
	if err != nil {
		return nil, err
	}
	if err := checkDoctor(v, doctorID); err != nil {
		return nil, err
	}
	v.Status = VisitInProgress
	v.ModifiedBy = &doctorID
	if err := s.store.Visits.Update(ctx, v); err != nil {
		return nil, fmt.Errorf("update visit: %w", err)
	}
	if err := s.refresh(ctx, v.ID); err != nil {
		return v, &PartialWriteError{Completed: []string{"visit"}, Failed: "projection", Err: err}
	}
	return v, nil
}

// CancelVisit cancels an assigned or in-progress visit. The reason is
// appended to the visit notes.
func (s *Service) CancelVisit(ctx context.Context, visitID, actorID uuid.UUID, reason string) (*Visit, error) {
	v, err := s.transition(ctx, visitID, VisitCancelled)
	if err != nil {
		return nil, err
	}
	v.Status = VisitCancelled
	v.ModifiedBy = &actorID
	if reason = strings.TrimSpace(reason); reason != "" {
		if v.Notes != "" {
			v.Notes += "\n"
		}
		v.Notes += "Cancelled: " + reason
	}
	if err := s.store.Visits.Update(ctx, v); err != nil {
		return nil, fmt.Errorf("update visit: %w", err)
	}
	s.log.Info().Str("visit_id", v.ID.String()).Msg("visit cancelled")
	if err := s.refresh(ctx, v.ID); err != nil {
		return v, &PartialWriteError{Completed: []string{"visit"}, Failed: "projection", Err: err}
	}
	return v, nil
}

// CompleteVisit records the clinical fields of an in-progress visit, marks it
// completed and writes the prescription snapshot.
func (s *Service) CompleteVisit(ctx context.Context, visitID, doctorID uuid.UUID, fields ClinicalFields) (*Visit, error) {
	fields = trimFields(fields)
	if fields.Empty() {
		return nil, Invalid("diagnosis", "a diagnosis or medications are required to complete a visit")
	}
	v, err := s.transition(ctx, visitID, VisitCompleted)
	if err != nil {
		return nil, err
	}
	if err := checkDoctor(v, doctorID); err != nil {
		return nil, err
	}

	now := s.now()
	v.Status = VisitCompleted
	v.ClinicalFields = fields
	v.CompletedAt = &now
	v.ModifiedBy = &doctorID
	if err := s.store.Visits.Update(ctx, v); err != nil {
		return nil, fmt.Errorf("update visit: %w", err)
	}

	p := &Prescription{
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		DoctorID:       doctorID,
		ClinicalFields: v.Clinical(),
		PrescribedAt:   now,
		LastModified:   now,
		LastModifiedBy: doctorID,
	}
	if err := s.store.Prescriptions.Upsert(ctx, p); err != nil {
		return v, &PartialWriteError{Completed: []string{"visit"}, Failed: "prescription", Err: err}
	}

	s.log.Info().Str("visit_id", v.ID.String()).Str("doctor_id", doctorID.String()).Msg("visit completed")
	if err := s.refresh(ctx, v.ID); err != nil {
		return v, &PartialWriteError{Completed: []string{"visit", "prescription"}, Failed: "projection", Err: err}
	}
	return v, nil
}

// EditPrescription changes the clinical fields of a completed visit. One
// audit entry is written before the visit and prescription are updated.
func (s *Service) EditPrescription(ctx context.Context, visitID, editorID uuid.UUID, fields ClinicalFields) (*Prescription, error) {
	if editorID == uuid.Nil {
		return nil, Invalid("editor_id", "is required")
	}
	fields = trimFields(fields)
	v, err := s.store.Visits.GetByID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status != VisitCompleted {
		return nil, Invalid("status", fmt.Sprintf("only completed visits can be edited, visit is %s", v.Status))
	}

	now := s.now()
	audit := &PrescriptionAudit{
		VisitID:  v.ID,
		EditorID: editorID,
		EditedAt: now,
		Original: v.Clinical(),
		New:      fields,
	}
	if err := s.store.Prescriptions.AppendAudit(ctx, audit); err != nil {
		return nil, fmt.Errorf("write prescription audit: %w", err)
	}
	done := []string{"audit"}

	v.ClinicalFields = fields
	v.ModifiedBy = &editorID
	if err := s.store.Visits.Update(ctx, v); err != nil {
		return nil, &PartialWriteError{Completed: done, Failed: "visit", Err: err}
	}
	done = append(done, "visit")

	p := &Prescription{
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		DoctorID:       v.DoctorID,
		ClinicalFields: v.Clinical(),
		PrescribedAt:   now,
		LastModified:   now,
		LastModifiedBy: editorID,
	}
	if v.CompletedAt != nil {
		p.PrescribedAt = *v.CompletedAt
	}
	if err := s.store.Prescriptions.Upsert(ctx, p); err != nil {
		return nil, &PartialWriteError{Completed: done, Failed: "prescription", Err: err}
	}
	done = append(done, "prescription")

	s.log.Info().Str("visit_id", v.ID.String()).Str("editor_id", editorID.String()).Msg("prescription edited")
	if err := s.refresh(ctx, v.ID); err != nil {
		return p, &PartialWriteError{Completed: done, Failed: "projection", Err: err}
	}
	return p, nil
}

// ListPrescriptionAudit returns the edits of a visit, newest first.
func (s *Service) ListPrescriptionAudit(ctx context.Context, visitID uuid.UUID) ([]*PrescriptionAudit, error) {
	return s.store.Prescriptions.ListAudit(ctx, visitID)
}

// AddTest orders a test on an open visit.
func (s *Service) AddTest(ctx context.Context, visitID, doctorID uuid.UUID, name, testType string) (*Test, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Invalid("test_name", "is required")
	}
	v, err := s.store.Visits.GetByID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if v.Status == VisitCancelled {
		return nil, Invalid("status", "cannot order tests on a cancelled visit")
	}

	t := &Test{
		VisitID:      v.ID,
		PatientID:    v.PatientID,
		DoctorID:     doctorID,
		TestName:     name,
		TestType:     strings.TrimSpace(testType),
		Status:       TestAssigned,
		AssignedDate: s.now(),
		Files:        []AttachmentFile{},
	}
	if err := s.store.Tests.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create test: %w", err)
	}
	if err := s.refresh(ctx, v.ID); err != nil {
		return t, &PartialWriteError{Completed: []string{"test"}, Failed: "projection", Err: err}
	}
	return t, nil
}

// CompleteTest records results for an assigned test.
func (s *Service) CompleteTest(ctx context.Context, testID uuid.UUID, results string) (*Test, error) {
	t, err := s.store.Tests.GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}
	if t.Status != TestAssigned {
		return nil, Invalid("status", fmt.Sprintf("test is already %s", t.Status))
	}
	now := s.now()
	t.Status = TestCompleted
	t.Results = strings.TrimSpace(results)
	t.CompletedDate = &now
	if err := s.store.Tests.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update test: %w", err)
	}
	if err := s.refresh(ctx, t.VisitID); err != nil {
		return t, &PartialWriteError{Completed: []string{"test"}, Failed: "projection", Err: err}
	}
	return t, nil
}

// DoctorWorkload counts a doctor's visits on the calendar day containing day.
// Active covers assigned and in-progress visits; Completed covers completed
// ones.
func (s *Service) DoctorWorkload(ctx context.Context, doctorID uuid.UUID, day time.Time) (*Workload, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	active, err := s.store.Visits.Count(ctx, VisitFilter{
		DoctorID: &doctorID,
		Statuses: []string{VisitAssigned, VisitInProgress},
		From:     &start,
		To:       &end,
	})
	if err != nil {
		return nil, fmt.Errorf("count active visits: %w", err)
	}
	completed, err := s.store.Visits.Count(ctx, VisitFilter{
		DoctorID: &doctorID,
		Statuses: []string{VisitCompleted},
		From:     &start,
		To:       &end,
	})
	if err != nil {
		return nil, fmt.Errorf("count completed visits: %w", err)
	}
	return &Workload{DoctorID: doctorID, Day: start, Active: active, Completed: completed}, nil
}

func (s *Service) refresh(ctx context.Context, visitID uuid.UUID) error {
	if s.refresher == nil {
		return nil
	}
	if err := s.refresher.RefreshVisit(ctx, visitID); err != nil {
		s.log.Warn().Err(err).Str("visit_id", visitID.String()).Msg("projection refresh failed")
		return err
	}
	return nil
}

func trimFields(c ClinicalFields) ClinicalFields {
	c.Symptoms = strings.TrimSpace(c.Symptoms)
	c.Diagnosis = strings.TrimSpace(c.Diagnosis)
	c.Medications = strings.TrimSpace(c.Medications)
	c.Instructions = strings.TrimSpace(c.Instructions)
	return c
}
