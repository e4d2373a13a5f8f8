package projection

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careorbit/careorbit/internal/domain/records"
)

type world struct {
	store      *records.Store
	asha, ravi *records.Patient
	doctor     *records.Doctor
	dept       *records.Department
	completed  *records.Visit // asha, completed with diagnosis
	open       *records.Visit // asha, assigned
	empty      *records.Visit // ravi, completed without diagnosis or medications
	orphaned   *records.Visit // ravi, completed, doctor missing
}

var day = time.Date(2024, 5, 15, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	store := records.NewMemoryStore()
	w := &world{store: store}

	w.dept = &records.Department{Name: "Cardiology"}
	mustOK(t, store.Departments.Create(ctx, w.dept))
	w.doctor = &records.Doctor{Username: "dr.iyer", Name: "Dr. Iyer", DepartmentID: &w.dept.ID}
	mustOK(t, store.Doctors.Create(ctx, w.doctor))

	w.asha = &records.Patient{PatientID: "PT0001", Name: "Asha", ContactNumber: "1", DateOfBirth: time.Date(1990, 5, 15, 0, 0, 0, 0, time.UTC)}
	mustOK(t, store.Patients.Create(ctx, w.asha))
	w.ravi = &records.Patient{PatientID: "PT0002", Name: "Ravi", ContactNumber: "2", DateOfBirth: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)}
	mustOK(t, store.Patients.Create(ctx, w.ravi))

	completedAt := day.Add(time.Hour)
	w.completed = &records.Visit{
		PatientID: w.asha.ID, DoctorID: w.doctor.ID, DepartmentID: w.dept.ID,
		VisitDate: day, Status: records.VisitCompleted, ReasonForVisit: "chest pain",
		ClinicalFields: records.ClinicalFields{Diagnosis: "angina", Medications: "aspirin"},
		CompletedAt:    &completedAt,
	}
	w.open = &records.Visit{
		PatientID: w.asha.ID, DoctorID: w.doctor.ID, DepartmentID: w.dept.ID,
		VisitDate: day.Add(24 * time.Hour), Status: records.VisitAssigned,
	}
	w.empty = &records.Visit{
		PatientID: w.ravi.ID, DoctorID: w.doctor.ID, DepartmentID: w.dept.ID,
		VisitDate: day.Add(-24 * time.Hour), Status: records.VisitCompleted,
		ClinicalFields: records.ClinicalFields{Symptoms: "tired"},
	}
	w.orphaned = &records.Visit{
		PatientID: w.ravi.ID, DoctorID: uuid.New(), DepartmentID: w.dept.ID,
		VisitDate: day.Add(-48 * time.Hour), Status: records.VisitCompleted,
		ClinicalFields: records.ClinicalFields{Medications: "iron"},
	}
	for _, v := range []*records.Visit{w.completed, w.open, w.empty, w.orphaned} {
		mustOK(t, store.Visits.Create(ctx, v))
	}

	tests := []*records.Test{
		{VisitID: w.completed.ID, PatientID: w.asha.ID, TestName: "ECG", Status: records.TestCompleted, Results: "ST depression", AssignedDate: day},
		{VisitID: w.completed.ID, PatientID: w.asha.ID, TestName: "Lipid panel", Status: records.TestAssigned, AssignedDate: day.Add(time.Minute)},
	}
	for _, tt := range tests {
		mustOK(t, store.Tests.Create(ctx, tt))
	}
	return w
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newProjector(w *world) *Projector {
	return NewProjector(w.store, zerolog.Nop())
}

func TestRebuildVisitSummary(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	n, err := p.RebuildVisitSummary(ctx, nil)
	mustOK(t, err)
	if n != 4 {
		t.Fatalf("expected 4 summaries, got %d", n)
	}

	rows, err := p.VisitSummaries(ctx, nil)
	mustOK(t, err)
	if len(rows) != 4 {
		t.Fatalf("expected 4 stored summaries, got %d", len(rows))
	}
	// Newest visit first.
	if rows[0].VisitID != w.open.ID {
		t.Errorf("expected newest visit first, got %s", rows[0].VisitID)
	}

	var completed *records.VisitSummary
	for _, r := range rows {
		if r.VisitID == w.completed.ID {
			completed = r
		}
	}
	if completed == nil {
		t.Fatal("missing summary for completed visit")
	}
	if completed.PatientName != "Asha" || completed.DoctorName != "Dr. Iyer" || completed.DepartmentName != "Cardiology" {
		t.Errorf("unexpected denormalized names: %+v", completed)
	}
	if len(completed.Tests) != 2 || completed.Tests[0].TestName != "ECG" {
		t.Errorf("unexpected embedded tests: %+v", completed.Tests)
	}
}

func TestRebuildVisitSummary_UnknownSentinel(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	_, err := p.RebuildVisitSummary(ctx, &w.ravi.ID)
	mustOK(t, err)
	rows, _ := p.VisitSummaries(ctx, &w.ravi.ID)
	for _, r := range rows {
		if r.VisitID == w.orphaned.ID && r.DoctorName != records.UnknownLabel {
			t.Errorf("expected %q for missing doctor, got %q", records.UnknownLabel, r.DoctorName)
		}
	}
}

func TestRebuildVisitSummary_Idempotent(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	_, err := p.RebuildVisitSummary(ctx, nil)
	mustOK(t, err)
	first, _ := p.VisitSummaries(ctx, nil)

	_, err = p.RebuildVisitSummary(ctx, nil)
	mustOK(t, err)
	second, _ := p.VisitSummaries(ctx, nil)

	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical projection content after a second rebuild")
	}
}

func TestRebuildVisitSummary_RemovesOrphans(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	_, err := p.RebuildVisitSummary(ctx, nil)
	mustOK(t, err)
	mustOK(t, w.store.Visits.Delete(ctx, w.open.ID))

	n, err := p.RebuildVisitSummary(ctx, nil)
	mustOK(t, err)
	if n != 3 {
		t.Errorf("expected 3 summaries, got %d", n)
	}
	rows, _ := p.VisitSummaries(ctx, nil)
	for _, r := range rows {
		if r.VisitID == w.open.ID {
			t.Error("summary of deleted visit survived the rebuild")
		}
	}
}

func TestRebuildVisitSummary_PatientFilter(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	_, err := p.RebuildVisitSummary(ctx, nil)
	mustOK(t, err)
	n, err := p.RebuildVisitSummary(ctx, &w.asha.ID)
	mustOK(t, err)
	if n != 2 {
		t.Errorf("expected 2 summaries for asha, got %d", n)
	}
	all, _ := p.VisitSummaries(ctx, nil)
	if len(all) != 4 {
		t.Errorf("scoped rebuild touched other patients: %d rows", len(all))
	}
}

func TestRebuildPatientHistory(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	n, err := p.RebuildPatientHistory(ctx, nil)
	mustOK(t, err)
	if n != 2 {
		t.Fatalf("expected 2 history entries (completed + orphaned), got %d", n)
	}

	rows, _ := p.PatientHistory(ctx, &w.asha.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 entry for asha, got %d", len(rows))
	}
	h := rows[0]
	if h.PatientAge != 34 {
		t.Errorf("expected age at visit date 34, got %d", h.PatientAge)
	}
	if len(h.TestResults) != 1 || h.TestResults[0] != "ST depression" {
		t.Errorf("unexpected test results: %v", h.TestResults)
	}
	if !h.CompletedAt.Equal(*w.completed.CompletedAt) {
		t.Errorf("unexpected completed_at %v", h.CompletedAt)
	}

	ravi, _ := p.PatientHistory(ctx, &w.ravi.ID)
	if len(ravi) != 1 || ravi[0].VisitID != w.orphaned.ID || ravi[0].DoctorName != records.UnknownLabel {
		t.Errorf("unexpected ravi history: %+v", ravi)
	}
}

func TestRebuild_ConcurrentCallsAgree(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	var wg sync.WaitGroup
	counts := make([]int, 10)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := p.RebuildVisitSummary(ctx, nil)
			if err != nil {
				t.Errorf("rebuild: %v", err)
			}
			counts[i] = n
		}(i)
	}
	wg.Wait()
	for i, n := range counts {
		if n != 4 {
			t.Errorf("call %d: expected 4, got %d", i, n)
		}
	}
}

// gatedVisits holds List until released and then honours cancellation.
type gatedVisits struct {
	records.VisitRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedVisits) List(ctx context.Context, f records.VisitFilter) ([]*records.Visit, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.VisitRepository.List(ctx, f)
}

func TestRebuild_SurvivesFirstCallerCancel(t *testing.T) {
	w := seed(t)
	gate := &gatedVisits{
		VisitRepository: w.store.Visits,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	w.store.Visits = gate
	p := newProjector(w)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		n   int
		err error
	}
	first := make(chan result, 1)
	go func() {
		n, err := p.RebuildVisitSummary(ctx, nil)
		first <- result{n, err}
	}()

	<-gate.entered
	cancel()
	second := make(chan result, 1)
	go func() {
		n, err := p.RebuildVisitSummary(context.Background(), nil)
		second <- result{n, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	for name, ch := range map[string]chan result{"first": first, "second": second} {
		select {
		case r := <-ch:
			if r.err != nil || r.n != 4 {
				t.Errorf("%s caller: expected 4 rows, got %d %v", name, r.n, r.err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s caller did not return", name)
		}
	}

	rows, err := w.store.Projections.ListVisitSummaries(context.Background(), nil)
	if err != nil || len(rows) != 4 {
		t.Errorf("expected 4 stored summaries, got %d %v", len(rows), err)
	}
}

func TestRefreshVisit(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	// An open visit gets a summary but no history.
	mustOK(t, p.RefreshVisit(ctx, w.open.ID))
	sums, _ := p.VisitSummaries(ctx, &w.asha.ID)
	if len(sums) != 1 || sums[0].VisitStatus != records.VisitAssigned {
		t.Fatalf("unexpected summaries after refresh: %+v", sums)
	}
	hist, _ := p.PatientHistory(ctx, &w.asha.ID)
	if len(hist) != 0 {
		t.Errorf("expected no history for open visit, got %d", len(hist))
	}

	// Completing it adds a history entry.
	v, _ := w.store.Visits.GetByID(ctx, w.open.ID)
	v.Status = records.VisitCompleted
	v.Diagnosis = "follow-up fine"
	mustOK(t, w.store.Visits.Update(ctx, v))
	mustOK(t, p.RefreshVisit(ctx, v.ID))
	hist, _ = p.PatientHistory(ctx, &w.asha.ID)
	if len(hist) != 1 || hist[0].Diagnosis != "follow-up fine" {
		t.Errorf("expected history entry after completion, got %+v", hist)
	}

	// Deleting it removes both projections.
	mustOK(t, w.store.Visits.Delete(ctx, v.ID))
	mustOK(t, p.RefreshVisit(ctx, v.ID))
	sums, _ = p.VisitSummaries(ctx, &w.asha.ID)
	hist, _ = p.PatientHistory(ctx, &w.asha.ID)
	if len(sums) != 0 || len(hist) != 0 {
		t.Errorf("expected projections removed, got %d summaries and %d history", len(sums), len(hist))
	}
}

func TestRefreshVisit_MatchesRebuild(t *testing.T) {
	w := seed(t)
	p := newProjector(w)
	ctx := context.Background()

	mustOK(t, p.RefreshVisit(ctx, w.completed.ID))
	refreshed, _ := p.VisitSummaries(ctx, &w.asha.ID)

	_, err := p.RebuildVisitSummary(ctx, &w.asha.ID)
	mustOK(t, err)
	rebuilt, _ := p.VisitSummaries(ctx, &w.asha.ID)

	var fromRebuild *records.VisitSummary
	for _, r := range rebuilt {
		if r.VisitID == w.completed.ID {
			fromRebuild = r
		}
	}
	if len(refreshed) != 1 || !reflect.DeepEqual(refreshed[0], fromRebuild) {
		t.Error("expected RefreshVisit and a rebuild to produce the same summary")
	}
}
