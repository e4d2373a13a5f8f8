package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/careorbit/careorbit/internal/domain/records"
)

// Projector derives the visit summary and patient history views from the
// primary records. Rebuilds replace the projection set of their scope and are
// safe to repeat.
type Projector struct {
	store  *records.Store
	flight singleflight.Group
	log    zerolog.Logger
}

func NewProjector(store *records.Store, log zerolog.Logger) *Projector {
	return &Projector{
		store: store,
		log:   log.With().Str("component", "projection").Logger(),
	}
}

// sources is one consistent-enough read of everything a rebuild joins.
type sources struct {
	patients    map[uuid.UUID]*records.Patient
	doctors     map[uuid.UUID]*records.Doctor
	departments map[uuid.UUID]*records.Department
	visits      []*records.Visit
	tests       map[uuid.UUID][]*records.Test // keyed by visit id
}

func (p *Projector) load(ctx context.Context, patientID *uuid.UUID) (*sources, error) {
	src := &sources{
		patients:    make(map[uuid.UUID]*records.Patient),
		doctors:     make(map[uuid.UUID]*records.Doctor),
		departments: make(map[uuid.UUID]*records.Department),
		tests:       make(map[uuid.UUID][]*records.Test),
	}
	var (
		patients []*records.Patient
		doctors  []*records.Doctor
		depts    []*records.Department
		tests    []*records.Test
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		patients, err = p.store.Patients.List(gctx)
		return err
	})
	g.Go(func() (err error) {
		doctors, err = p.store.Doctors.List(gctx)
		return err
	})
	g.Go(func() (err error) {
		depts, err = p.store.Departments.List(gctx)
		return err
	})
	g.Go(func() (err error) {
		src.visits, err = p.store.Visits.List(gctx, records.VisitFilter{PatientID: patientID})
		return err
	})
	g.Go(func() (err error) {
		tests, err = p.store.Tests.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load projection sources: %w", err)
	}

	for _, pt := range patients {
		src.patients[pt.ID] = pt
	}
	for _, d := range doctors {
		src.doctors[d.ID] = d
	}
	for _, d := range depts {
		src.departments[d.ID] = d
	}
	for _, t := range tests {
		src.tests[t.VisitID] = append(src.tests[t.VisitID], t)
	}
	return src, nil
}

// joined holds the reference records of one visit; any may be nil.
type joined struct {
	patient    *records.Patient
	doctor     *records.Doctor
	department *records.Department
	tests      []*records.Test
}

func (s *sources) join(v *records.Visit) joined {
	return joined{
		patient:    s.patients[v.PatientID],
		doctor:     s.doctors[v.DoctorID],
		department: s.departments[v.DepartmentID],
		tests:      s.tests[v.ID],
	}
}

func (j joined) patientName() string {
	if j.patient == nil {
		return records.UnknownLabel
	}
	return j.patient.Name
}

func (j joined) patientCode() string {
	if j.patient == nil {
		return records.UnknownLabel
	}
	return j.patient.PatientID
}

func (j joined) doctorName() string {
	if j.doctor == nil {
		return records.UnknownLabel
	}
	return j.doctor.Name
}

func (j joined) departmentName() string {
	if j.department == nil {
		return records.UnknownLabel
	}
	return j.department.Name
}

func buildSummary(v *records.Visit, j joined) *records.VisitSummary {
	descs := make([]records.TestDescriptor, 0, len(j.tests))
	for _, t := range j.tests {
		descs = append(descs, records.TestDescriptor{
			TestID:        t.ID,
			TestName:      t.TestName,
			TestType:      t.TestType,
			Status:        t.Status,
			Results:       t.Results,
			AssignedDate:  t.AssignedDate,
			CompletedDate: t.CompletedDate,
			FileCount:     len(t.Files),
		})
	}
	return &records.VisitSummary{
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		PatientName:    j.patientName(),
		PatientCode:    j.patientCode(),
		DoctorID:       v.DoctorID,
		DoctorName:     j.doctorName(),
		DepartmentID:   v.DepartmentID,
		DepartmentName: j.departmentName(),
		VisitDate:      v.VisitDate,
		VisitStatus:    v.Status,
		ChiefComplaint: v.ReasonForVisit,
		ClinicalFields: v.Clinical(),
		Tests:          descs,
	}
}

// qualifiesForHistory reports whether a visit belongs in the patient history.
func qualifiesForHistory(v *records.Visit) bool {
	return v.Status == records.VisitCompleted && !v.ClinicalFields.Empty()
}

// buildHistory derives the history entry. Patient age is taken at the visit
// date so that rebuilds do not depend on when they run.
func buildHistory(v *records.Visit, j joined) *records.PatientHistoryEntry {
	results := []string{}
	for _, t := range j.tests {
		if t.Results != "" {
			results = append(results, t.Results)
		}
	}
	age := 0
	if j.patient != nil && !j.patient.DateOfBirth.IsZero() {
		age = records.Age(j.patient.DateOfBirth, v.VisitDate)
	}
	completedAt := v.VisitDate
	if v.CompletedAt != nil {
		completedAt = *v.CompletedAt
	}
	return &records.PatientHistoryEntry{
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		PatientName:    j.patientName(),
		PatientCode:    j.patientCode(),
		PatientAge:     age,
		DoctorName:     j.doctorName(),
		DepartmentName: j.departmentName(),
		EventDate:      v.VisitDate,
		ChiefComplaint: v.ReasonForVisit,
		ClinicalFields: v.Clinical(),
		TestResults:    results,
		CompletedAt:    completedAt,
	}
}

func scopeKey(kind string, patientID *uuid.UUID) string {
	if patientID == nil {
		return kind + ":all"
	}
	return kind + ":" + patientID.String()
}

// RebuildVisitSummary regenerates one summary per visit, optionally limited to
// one patient, and returns the number of rows written. Concurrent calls for
// the same scope share a single rebuild.
func (p *Projector) RebuildVisitSummary(ctx context.Context, patientID *uuid.UUID) (int, error) {
	v, err, shared := p.flight.Do(scopeKey("summaries", patientID), func() (interface{}, error) {
		// Callers joining the flight share this rebuild, so it must not
		// stop when the first caller goes away.
		ctx := context.WithoutCancel(ctx)
		src, err := p.load(ctx, patientID)
		if err != nil {
			return 0, err
		}
		rows := make([]*records.VisitSummary, 0, len(src.visits))
		for _, visit := range src.visits {
			rows = append(rows, buildSummary(visit, src.join(visit)))
		}
		sort.SliceStable(rows, func(i, j int) bool {
			return newerFirst(rows[i].VisitDate, rows[i].VisitID, rows[j].VisitDate, rows[j].VisitID)
		})
		if err := p.store.Projections.ReplaceVisitSummaries(ctx, patientID, rows); err != nil {
			return 0, fmt.Errorf("replace visit summaries: %w", err)
		}
		return len(rows), nil
	})
	if err != nil {
		return 0, err
	}
	p.log.Info().Int("rows", v.(int)).Bool("shared", shared).Msg("visit summaries rebuilt")
	return v.(int), nil
}

// RebuildPatientHistory regenerates history entries for completed visits
// that recorded a diagnosis or medications.
func (p *Projector) RebuildPatientHistory(ctx context.Context, patientID *uuid.UUID) (int, error) {
	v, err, shared := p.flight.Do(scopeKey("history", patientID), func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		src, err := p.load(ctx, patientID)
		if err != nil {
			return 0, err
		}
		var rows []*records.PatientHistoryEntry
		for _, visit := range src.visits {
			if qualifiesForHistory(visit) {
				rows = append(rows, buildHistory(visit, src.join(visit)))
			}
		}
		sort.SliceStable(rows, func(i, j int) bool {
			return newerFirst(rows[i].EventDate, rows[i].VisitID, rows[j].EventDate, rows[j].VisitID)
		})
		if err := p.store.Projections.ReplacePatientHistory(ctx, patientID, rows); err != nil {
			return 0, fmt.Errorf("replace patient history: %w", err)
		}
		return len(rows), nil
	})
	if err != nil {
		return 0, err
	}
	p.log.Info().Int("rows", v.(int)).Bool("shared", shared).Msg("patient history rebuilt")
	return v.(int), nil
}

// RefreshVisit re-derives the projections of a single visit. A visit that no
// longer exists has its projections removed.
func (p *Projector) RefreshVisit(ctx context.Context, visitID uuid.UUID) error {
	visit, err := p.store.Visits.GetByID(ctx, visitID)
	var nf *records.NotFoundError
	if errors.As(err, &nf) {
		if err := p.store.Projections.DeleteVisitSummary(ctx, visitID); err != nil {
			return err
		}
		return p.store.Projections.DeletePatientHistory(ctx, visitID)
	}
	if err != nil {
		return err
	}

	j, err := p.joinOne(ctx, visit)
	if err != nil {
		return err
	}
	if err := p.store.Projections.PutVisitSummary(ctx, buildSummary(visit, j)); err != nil {
		return fmt.Errorf("put visit summary: %w", err)
	}
	if qualifiesForHistory(visit) {
		if err := p.store.Projections.PutPatientHistory(ctx, buildHistory(visit, j)); err != nil {
			return fmt.Errorf("put patient history: %w", err)
		}
		return nil
	}
	return p.store.Projections.DeletePatientHistory(ctx, visitID)
}

// joinOne looks up the references of one visit. Missing references are left
// nil and rendered as the unknown label.
func (p *Projector) joinOne(ctx context.Context, v *records.Visit) (joined, error) {
	var j joined
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pt, err := p.store.Patients.GetByID(gctx, v.PatientID)
		j.patient = pt
		return ignoreNotFound(err)
	})
	g.Go(func() error {
		d, err := p.store.Doctors.GetByID(gctx, v.DoctorID)
		j.doctor = d
		return ignoreNotFound(err)
	})
	g.Go(func() error {
		d, err := p.store.Departments.GetByID(gctx, v.DepartmentID)
		j.department = d
		return ignoreNotFound(err)
	})
	g.Go(func() (err error) {
		j.tests, err = p.store.Tests.ListByVisit(gctx, v.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return joined{}, fmt.Errorf("join visit %s: %w", v.ID, err)
	}
	return j, nil
}

func ignoreNotFound(err error) error {
	var nf *records.NotFoundError
	if errors.As(err, &nf) {
		return nil
	}
	return err
}

// VisitSummaries lists stored summaries, optionally for one patient.
func (p *Projector) VisitSummaries(ctx context.Context, patientID *uuid.UUID) ([]*records.VisitSummary, error) {
	return p.store.Projections.ListVisitSummaries(ctx, patientID)
}

// PatientHistory lists stored history entries, optionally for one patient.
func (p *Projector) PatientHistory(ctx context.Context, patientID *uuid.UUID) ([]*records.PatientHistoryEntry, error) {
	return p.store.Projections.ListPatientHistory(ctx, patientID)
}

func newerFirst(ad time.Time, aid uuid.UUID, bd time.Time, bid uuid.UUID) bool {
	if !ad.Equal(bd) {
		return ad.After(bd)
	}
	return aid.String() < bid.String()
}
