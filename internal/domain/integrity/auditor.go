package integrity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/careorbit/careorbit/internal/domain/records"
)

// IssueKind names a class of integrity violation.
type IssueKind string

const (
	DanglingPatientRef    IssueKind = "DanglingPatientRef"
	DanglingDoctorRef     IssueKind = "DanglingDoctorRef"
	DanglingDepartmentRef IssueKind = "DanglingDepartmentRef"
	DanglingVisitRef      IssueKind = "DanglingVisitRef"
	DuplicateNamePhone    IssueKind = "DuplicateNamePhone"
	DuplicateAadhaar      IssueKind = "DuplicateAadhaar"
)

// Issue is one reported violation. Issues are only reported, never raised
// as errors to callers of the write paths.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	EntityID string    `json:"entity_id"`
	Detail   string    `json:"detail"`
	Members  []string  `json:"members,omitempty"`
}

// Auditor scans the primary record store for referential and identity
// violations. It only reads.
type Auditor struct {
	store *records.Store
	log   zerolog.Logger
}

func NewAuditor(store *records.Store, log zerolog.Logger) *Auditor {
	return &Auditor{store: store, log: log.With().Str("component", "integrity").Logger()}
}

type snapshot struct {
	patients      []*records.Patient
	doctors       []*records.Doctor
	departments   []*records.Department
	visits        []*records.Visit
	tests         []*records.Test
	prescriptions []*records.Prescription
}

func (a *Auditor) read(ctx context.Context) (*snapshot, error) {
	var s snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { s.patients, err = a.store.Patients.List(gctx); return err })
	g.Go(func() (err error) { s.doctors, err = a.store.Doctors.List(gctx); return err })
	g.Go(func() (err error) { s.departments, err = a.store.Departments.List(gctx); return err })
	g.Go(func() (err error) { s.visits, err = a.store.Visits.List(gctx, records.VisitFilter{}); return err })
	g.Go(func() (err error) { s.tests, err = a.store.Tests.List(gctx); return err })
	g.Go(func() (err error) { s.prescriptions, err = a.store.Prescriptions.List(gctx); return err })
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return &s, nil
}

// AuditReferences returns every violation found, sorted by kind and entity.
func (a *Auditor) AuditReferences(ctx context.Context) ([]Issue, error) {
	s, err := a.read(ctx)
	if err != nil {
		return nil, err
	}

	patients := lo.KeyBy(s.patients, func(p *records.Patient) uuid.UUID { return p.ID })
	doctors := lo.KeyBy(s.doctors, func(d *records.Doctor) uuid.UUID { return d.ID })
	departments := lo.KeyBy(s.departments, func(d *records.Department) uuid.UUID { return d.ID })
	visits := lo.KeyBy(s.visits, func(v *records.Visit) uuid.UUID { return v.ID })

	var issues []Issue
	dangling := func(kind IssueKind, entity string, id uuid.UUID, field string, ref uuid.UUID) {
		issues = append(issues, Issue{
			Kind:     kind,
			EntityID: id.String(),
			Detail:   fmt.Sprintf("%s %s references missing %s %s", entity, id, field, ref),
		})
	}

	for _, v := range s.visits {
		if _, ok := patients[v.PatientID]; !ok {
			dangling(DanglingPatientRef, "visit", v.ID, "patient", v.PatientID)
		}
		if _, ok := doctors[v.DoctorID]; !ok {
			dangling(DanglingDoctorRef, "visit", v.ID, "doctor", v.DoctorID)
		}
		if _, ok := departments[v.DepartmentID]; !ok {
			dangling(DanglingDepartmentRef, "visit", v.ID, "department", v.DepartmentID)
		}
	}
	for _, t := range s.tests {
		if _, ok := visits[t.VisitID]; !ok {
			dangling(DanglingVisitRef, "test", t.ID, "visit", t.VisitID)
		}
		if _, ok := patients[t.PatientID]; !ok {
			dangling(DanglingPatientRef, "test", t.ID, "patient", t.PatientID)
		}
	}
	for _, p := range s.prescriptions {
		if _, ok := visits[p.VisitID]; !ok {
			dangling(DanglingVisitRef, "prescription", p.ID, "visit", p.VisitID)
		}
	}

	issues = append(issues, duplicates(s.patients)...)

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Kind != issues[j].Kind {
			return issues[i].Kind < issues[j].Kind
		}
		return issues[i].EntityID < issues[j].EntityID
	})
	a.log.Info().Int("issues", len(issues)).Msg("integrity audit finished")
	return issues, nil
}

// duplicates groups patients by (name, contact) and by non-empty aadhaar
// and reports every group with more than one member.
func duplicates(patients []*records.Patient) []Issue {
	var issues []Issue

	byNamePhone := lo.GroupBy(patients, func(p *records.Patient) string {
		return p.Name + "\x00" + p.ContactNumber
	})
	for _, group := range byNamePhone {
		if len(group) < 2 {
			continue
		}
		issues = append(issues, duplicateIssue(DuplicateNamePhone,
			fmt.Sprintf("name %q and phone %q", group[0].Name, group[0].ContactNumber), group))
	}

	withAadhaar := lo.Filter(patients, func(p *records.Patient, _ int) bool { return p.AadhaarNumber != "" })
	byAadhaar := lo.GroupBy(withAadhaar, func(p *records.Patient) string { return p.AadhaarNumber })
	for aadhaar, group := range byAadhaar {
		if len(group) < 2 {
			continue
		}
		issues = append(issues, duplicateIssue(DuplicateAadhaar, fmt.Sprintf("aadhaar %q", aadhaar), group))
	}
	return issues
}

func duplicateIssue(kind IssueKind, what string, group []*records.Patient) Issue {
	members := lo.Map(group, func(p *records.Patient, _ int) string { return p.PatientID })
	sort.Strings(members)
	return Issue{
		Kind:     kind,
		EntityID: members[0],
		Detail:   fmt.Sprintf("%d patients share %s: %s", len(members), what, strings.Join(members, ", ")),
		Members:  members,
	}
}

// Summary counts issues per kind.
func Summary(issues []Issue) map[IssueKind]int {
	return lo.CountValuesBy(issues, func(i Issue) IssueKind { return i.Kind })
}
