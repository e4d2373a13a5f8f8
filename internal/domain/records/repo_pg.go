package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careorbit/careorbit/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgBase struct {
	pool *pgxpool.Pool
}

func (r pgBase) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// NewPGStore returns a Store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) *Store {
	b := pgBase{pool: pool}
	return &Store{
		Patients:      &patientRepoPG{b},
		Doctors:       &doctorRepoPG{b},
		Departments:   &departmentRepoPG{b},
		Visits:        &visitRepoPG{b},
		Tests:         &testRepoPG{b},
		Prescriptions: &prescriptionRepoPG{b},
		Projections:   &projectionRepoPG{b},
	}
}

// mapErr converts driver errors into the package's error types.
func mapErr(err error, entity string, id fmt.Stringer) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Constraint: pgErr.ConstraintName}
	}
	return err
}

func marshalFiles(files []AttachmentFile) (string, error) {
	if files == nil {
		files = []AttachmentFile{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode attachment files: %w", err)
	}
	return string(b), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func unmarshalFiles(raw []byte) ([]AttachmentFile, error) {
	files := []AttachmentFile{}
	if len(raw) == 0 {
		return files, nil
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("decode attachment files: %w", err)
	}
	return files, nil
}

// -- Patient Repository --

type patientRepoPG struct{ pgBase }

const patientCols = `id, patient_id, name, contact_number, aadhaar_number, date_of_birth, gender,
	address, allergies, chronic_illness, created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PatientID, &p.Name, &p.ContactNumber, &p.AadhaarNumber, &p.DateOfBirth,
		&p.Gender, &p.Address, &p.Allergies, &p.ChronicIllness, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPatients(rows pgx.Rows) ([]*Patient, error) {
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *patientRepoPG) NextPatientNumber(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('patient_number_seq')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("next patient number: %w", err)
	}
	return n, nil
}

func (r *patientRepoPG) SyncPatientNumber(ctx context.Context) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT sync_patient_number_seq()`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync patient number: %w", err)
	}
	return n, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, patient_id, name, contact_number, aadhaar_number, date_of_birth, gender,
			address, allergies, chronic_illness)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		p.ID, p.PatientID, p.Name, p.ContactNumber, p.AadhaarNumber, p.DateOfBirth, p.Gender,
		p.Address, p.Allergies, p.ChronicIllness,
	).Scan(&p.CreatedAt)
	return mapErr(err, "patient", p.ID)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "patient", id)
	}
	return p, nil
}

func (r *patientRepoPG) GetByPatientID(ctx context.Context, patientID string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE patient_id = $1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "patient", ID: patientID}
	}
	return p, err
}

func (r *patientRepoPG) findOne(ctx context.Context, where string, args ...interface{}) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE `+where+` LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *patientRepoPG) FindByNameAndContact(ctx context.Context, name, contact string) (*Patient, error) {
	return r.findOne(ctx, `name = $1 AND contact_number = $2`, name, contact)
}

func (r *patientRepoPG) FindByAadhaar(ctx context.Context, aadhaar string) (*Patient, error) {
	if aadhaar == "" {
		return nil, nil
	}
	return r.findOne(ctx, `aadhaar_number = $1`, aadhaar)
}

func (r *patientRepoPG) Search(ctx context.Context, query string) ([]*Patient, error) {
	like := "%" + strings.TrimSpace(query) + "%"
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient
		WHERE name ILIKE $1 OR contact_number ILIKE $1 OR patient_id ILIKE $1
		ORDER BY patient_id`, like)
	if err != nil {
		return nil, err
	}
	return collectPatients(rows)
}

func (r *patientRepoPG) List(ctx context.Context) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY patient_id`)
	if err != nil {
		return nil, err
	}
	return collectPatients(rows)
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET name=$2, contact_number=$3, aadhaar_number=$4, date_of_birth=$5, gender=$6,
			address=$7, allergies=$8, chronic_illness=$9
		WHERE id = $1`,
		p.ID, p.Name, p.ContactNumber, p.AadhaarNumber, p.DateOfBirth, p.Gender,
		p.Address, p.Allergies, p.ChronicIllness,
	)
	if err != nil {
		return mapErr(err, "patient", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("patient", p.ID)
	}
	return nil
}

// -- Doctor & Department Repositories --

type doctorRepoPG struct{ pgBase }

const doctorCols = `id, username, name, department_id, specialization, phone, created_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	if err := row.Scan(&d.ID, &d.Username, &d.Name, &d.DepartmentID, &d.Specialization, &d.Phone, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, username, name, department_id, specialization, phone)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		d.ID, d.Username, d.Name, d.DepartmentID, d.Specialization, d.Phone,
	).Scan(&d.CreatedAt)
	return mapErr(err, "doctor", d.ID)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "doctor", id)
	}
	return d, nil
}

func (r *doctorRepoPG) List(ctx context.Context) ([]*Doctor, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM doctor ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type departmentRepoPG struct{ pgBase }

func (r *departmentRepoPG) Create(ctx context.Context, d *Department) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO department (id, name, description) VALUES ($1,$2,$3) RETURNING created_at`,
		d.ID, d.Name, d.Description,
	).Scan(&d.CreatedAt)
	return mapErr(err, "department", d.ID)
}

func (r *departmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	var d Department
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, description, created_at FROM department WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.Description, &d.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "department", id)
	}
	return &d, nil
}

func (r *departmentRepoPG) List(ctx context.Context) ([]*Department, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, description, created_at FROM department ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// -- Visit Repository --

type visitRepoPG struct{ pgBase }

const visitCols = `id, patient_id, doctor_id, department_id, visit_date, status, reason_for_visit,
	visit_type, priority, notes, symptoms, diagnosis, medications, instructions, follow_up_date,
	completed_at, modified_by, created_at, updated_at`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.PatientID, &v.DoctorID, &v.DepartmentID, &v.VisitDate, &v.Status, &v.ReasonForVisit,
		&v.VisitType, &v.Priority, &v.Notes, &v.Symptoms, &v.Diagnosis, &v.Medications, &v.Instructions, &v.FollowUpDate,
		&v.CompletedAt, &v.ModifiedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (id, patient_id, doctor_id, department_id, visit_date, status, reason_for_visit,
			visit_type, priority, notes, symptoms, diagnosis, medications, instructions, follow_up_date,
			completed_at, modified_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		v.ID, v.PatientID, v.DoctorID, v.DepartmentID, v.VisitDate, v.Status, v.ReasonForVisit,
		v.VisitType, v.Priority, v.Notes, v.Symptoms, v.Diagnosis, v.Medications, v.Instructions, v.FollowUpDate,
		v.CompletedAt, v.ModifiedBy,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	return mapErr(err, "visit", v.ID)
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "visit", id)
	}
	return v, nil
}

func (r *visitRepoPG) Update(ctx context.Context, v *Visit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE visit SET status=$2, reason_for_visit=$3, visit_type=$4, priority=$5, notes=$6,
			symptoms=$7, diagnosis=$8, medications=$9, instructions=$10, follow_up_date=$11,
			completed_at=$12, modified_by=$13, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		v.ID, v.Status, v.ReasonForVisit, v.VisitType, v.Priority, v.Notes,
		v.Symptoms, v.Diagnosis, v.Medications, v.Instructions, v.FollowUpDate,
		v.CompletedAt, v.ModifiedBy,
	).Scan(&v.UpdatedAt)
	return mapErr(err, "visit", v.ID)
}

func (r *visitRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM visit WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFound("visit", id)
	}
	return nil
}

func visitWhere(f VisitFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", f.Statuses)
	}
	if f.From != nil {
		add("visit_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("visit_date < $%d", *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *visitRepoPG) List(ctx context.Context, f VisitFilter) ([]*Visit, error) {
	where, args := visitWhere(f)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM visit`+where+` ORDER BY visit_date DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *visitRepoPG) Count(ctx context.Context, f VisitFilter) (int, error) {
	where, args := visitWhere(f)
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit`+where, args...).Scan(&n)
	return n, err
}

// -- Test Repository --

type testRepoPG struct{ pgBase }

const testCols = `id, visit_id, patient_id, doctor_id, test_name, test_type, status, results,
	assigned_date, completed_date, files, updated_at`

func scanTest(row pgx.Row) (*Test, error) {
	var (
		t     Test
		files []byte
	)
	err := row.Scan(&t.ID, &t.VisitID, &t.PatientID, &t.DoctorID, &t.TestName, &t.TestType, &t.Status, &t.Results,
		&t.AssignedDate, &t.CompletedDate, &files, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Files, err = unmarshalFiles(files); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *testRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Test, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *testRepoPG) Create(ctx context.Context, t *Test) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	files, err := marshalFiles(t.Files)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test (id, visit_id, patient_id, doctor_id, test_name, test_type, status, results,
			assigned_date, completed_date, files)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,COALESCE($9, NOW()),$10,$11::jsonb)
		RETURNING assigned_date, updated_at`,
		t.ID, t.VisitID, t.PatientID, t.DoctorID, t.TestName, t.TestType, t.Status, t.Results,
		nullTime(t.AssignedDate), t.CompletedDate, files,
	).Scan(&t.AssignedDate, &t.UpdatedAt)
	return mapErr(err, "test", t.ID)
}

func (r *testRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Test, error) {
	t, err := scanTest(r.conn(ctx).QueryRow(ctx, `SELECT `+testCols+` FROM test WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "test", id)
	}
	return t, nil
}

// Update writes the scalar fields. The file list is only changed through
// AppendFiles and RemoveFile.
func (r *testRepoPG) Update(ctx context.Context, t *Test) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE test SET test_name=$2, test_type=$3, status=$4, results=$5, completed_date=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.TestName, t.TestType, t.Status, t.Results, t.CompletedDate,
	).Scan(&t.UpdatedAt)
	return mapErr(err, "test", t.ID)
}

func (r *testRepoPG) List(ctx context.Context) ([]*Test, error) {
	return r.query(ctx, `SELECT `+testCols+` FROM test ORDER BY assigned_date, id`)
}

func (r *testRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Test, error) {
	return r.query(ctx, `SELECT `+testCols+` FROM test WHERE visit_id = $1 ORDER BY assigned_date, id`, visitID)
}

func (r *testRepoPG) AppendFiles(ctx context.Context, testID uuid.UUID, files []AttachmentFile) error {
	payload, err := marshalFiles(files)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE test SET files = files || $2::jsonb, updated_at = NOW() WHERE id = $1`, testID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFound("test", testID)
	}
	return nil
}

const removeFileSQL = `UPDATE %s SET files = COALESCE((
		SELECT jsonb_agg(f ORDER BY ord) FROM jsonb_array_elements(files) WITH ORDINALITY AS e(f, ord)
		WHERE f->>'stored_filename' <> $2
	), '[]'::jsonb)%s
	WHERE %s = $1 AND files @> jsonb_build_array(jsonb_build_object('stored_filename', $2::text))`

func (r *testRepoPG) RemoveFile(ctx context.Context, testID uuid.UUID, storedName string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(removeFileSQL, "test", ", updated_at = NOW()", "id"), testID, storedName)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, testID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *testRepoPG) ReferencesStoredName(ctx context.Context, storedName string) (bool, error) {
	var found bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM test WHERE files @> jsonb_build_array(jsonb_build_object('stored_filename', $1::text)))`,
		storedName).Scan(&found)
	return found, err
}

// -- Prescription Repository --

type prescriptionRepoPG struct{ pgBase }

const prescriptionCols = `id, visit_id, patient_id, doctor_id, symptoms, diagnosis, medications, instructions,
	follow_up_date, files, prescribed_at, last_modified, last_modified_by`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var (
		p     Prescription
		files []byte
	)
	err := row.Scan(&p.ID, &p.VisitID, &p.PatientID, &p.DoctorID, &p.Symptoms, &p.Diagnosis, &p.Medications,
		&p.Instructions, &p.FollowUpDate, &files, &p.PrescribedAt, &p.LastModified, &p.LastModifiedBy)
	if err != nil {
		return nil, err
	}
	if p.Files, err = unmarshalFiles(files); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *prescriptionRepoPG) Upsert(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var files []byte
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, visit_id, patient_id, doctor_id, symptoms, diagnosis, medications,
			instructions, follow_up_date, prescribed_at, last_modified, last_modified_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (visit_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, doctor_id = EXCLUDED.doctor_id,
			symptoms = EXCLUDED.symptoms, diagnosis = EXCLUDED.diagnosis,
			medications = EXCLUDED.medications, instructions = EXCLUDED.instructions,
			follow_up_date = EXCLUDED.follow_up_date, last_modified = EXCLUDED.last_modified,
			last_modified_by = EXCLUDED.last_modified_by
		RETURNING id, prescribed_at, files`,
		p.ID, p.VisitID, p.PatientID, p.DoctorID, p.Symptoms, p.Diagnosis, p.Medications,
		p.Instructions, p.FollowUpDate, p.PrescribedAt, p.LastModified, p.LastModifiedBy,
	).Scan(&p.ID, &p.PrescribedAt, &files)
	if err != nil {
		return mapErr(err, "prescription", p.VisitID)
	}
	p.Files, err = unmarshalFiles(files)
	return err
}

func (r *prescriptionRepoPG) GetByVisit(ctx context.Context, visitID uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescription WHERE visit_id = $1`, visitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "prescription for visit", ID: visitID.String()}
	}
	return p, err
}

func (r *prescriptionRepoPG) List(ctx context.Context) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescription ORDER BY visit_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *prescriptionRepoPG) AppendFiles(ctx context.Context, visitID uuid.UUID, files []AttachmentFile) error {
	payload, err := marshalFiles(files)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE prescription SET files = files || $2::jsonb WHERE visit_id = $1`, visitID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "prescription for visit", ID: visitID.String()}
	}
	return nil
}

func (r *prescriptionRepoPG) RemoveFile(ctx context.Context, visitID uuid.UUID, storedName string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(removeFileSQL, "prescription", "", "visit_id"), visitID, storedName)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetByVisit(ctx, visitID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *prescriptionRepoPG) AppendAudit(ctx context.Context, a *PrescriptionAudit) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	original, err := json.Marshal(a.Original)
	if err != nil {
		return fmt.Errorf("encode audit original: %w", err)
	}
	updated, err := json.Marshal(a.New)
	if err != nil {
		return fmt.Errorf("encode audit new: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO prescription_audit (id, visit_id, editor_id, edited_at, original_data, new_data)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb)`,
		a.ID, a.VisitID, a.EditorID, a.EditedAt, string(original), string(updated))
	return err
}

func (r *prescriptionRepoPG) ListAudit(ctx context.Context, visitID uuid.UUID) ([]*PrescriptionAudit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, editor_id, edited_at, original_data, new_data
		FROM prescription_audit WHERE visit_id = $1 ORDER BY edited_at DESC, id`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PrescriptionAudit
	for rows.Next() {
		var (
			a             PrescriptionAudit
			original, upd []byte
		)
		if err := rows.Scan(&a.ID, &a.VisitID, &a.EditorID, &a.EditedAt, &original, &upd); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(original, &a.Original); err != nil {
			return nil, fmt.Errorf("decode audit original: %w", err)
		}
		if err := json.Unmarshal(upd, &a.New); err != nil {
			return nil, fmt.Errorf("decode audit new: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// -- Projection Repository --

type projectionRepoPG struct{ pgBase }

func scopeClause(patientID *uuid.UUID) (string, []interface{}) {
	if patientID == nil {
		return "", nil
	}
	return " WHERE patient_id = $1", []interface{}{*patientID}
}

func (r *projectionRepoPG) ReplaceVisitSummaries(ctx context.Context, patientID *uuid.UUID, rows []*VisitSummary) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		where, args := scopeClause(patientID)
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM visit_summary`+where, args...); err != nil {
			return fmt.Errorf("clear visit summaries: %w", err)
		}
		for _, row := range rows {
			if err := r.PutVisitSummary(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *projectionRepoPG) ReplacePatientHistory(ctx context.Context, patientID *uuid.UUID, rows []*PatientHistoryEntry) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		where, args := scopeClause(patientID)
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_history`+where, args...); err != nil {
			return fmt.Errorf("clear patient history: %w", err)
		}
		for _, row := range rows {
			if err := r.PutPatientHistory(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *projectionRepoPG) PutVisitSummary(ctx context.Context, s *VisitSummary) error {
	tests, err := json.Marshal(s.Tests)
	if err != nil {
		return fmt.Errorf("encode visit summary tests: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO visit_summary (visit_id, patient_id, patient_name, patient_code, doctor_id, doctor_name,
			department_id, department_name, visit_date, visit_status, chief_complaint,
			symptoms, diagnosis, medications, instructions, follow_up_date, tests)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17::jsonb)
		ON CONFLICT (visit_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, patient_name = EXCLUDED.patient_name,
			patient_code = EXCLUDED.patient_code, doctor_id = EXCLUDED.doctor_id,
			doctor_name = EXCLUDED.doctor_name, department_id = EXCLUDED.department_id,
			department_name = EXCLUDED.department_name, visit_date = EXCLUDED.visit_date,
			visit_status = EXCLUDED.visit_status, chief_complaint = EXCLUDED.chief_complaint,
			symptoms = EXCLUDED.symptoms, diagnosis = EXCLUDED.diagnosis,
			medications = EXCLUDED.medications, instructions = EXCLUDED.instructions,
			follow_up_date = EXCLUDED.follow_up_date, tests = EXCLUDED.tests`,
		s.VisitID, s.PatientID, s.PatientName, s.PatientCode, s.DoctorID, s.DoctorName,
		s.DepartmentID, s.DepartmentName, s.VisitDate, s.VisitStatus, s.ChiefComplaint,
		s.Symptoms, s.Diagnosis, s.Medications, s.Instructions, s.FollowUpDate, string(tests))
	return err
}

func (r *projectionRepoPG) DeleteVisitSummary(ctx context.Context, visitID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM visit_summary WHERE visit_id = $1`, visitID)
	return err
}

func (r *projectionRepoPG) PutPatientHistory(ctx context.Context, h *PatientHistoryEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_history (visit_id, patient_id, patient_name, patient_code, patient_age, doctor_name,
			department_name, event_date, chief_complaint, symptoms, diagnosis, medications, instructions,
			follow_up_date, test_results, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (visit_id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, patient_name = EXCLUDED.patient_name,
			patient_code = EXCLUDED.patient_code, patient_age = EXCLUDED.patient_age,
			doctor_name = EXCLUDED.doctor_name, department_name = EXCLUDED.department_name,
			event_date = EXCLUDED.event_date, chief_complaint = EXCLUDED.chief_complaint,
			symptoms = EXCLUDED.symptoms, diagnosis = EXCLUDED.diagnosis,
			medications = EXCLUDED.medications, instructions = EXCLUDED.instructions,
			follow_up_date = EXCLUDED.follow_up_date, test_results = EXCLUDED.test_results,
			completed_at = EXCLUDED.completed_at`,
		h.VisitID, h.PatientID, h.PatientName, h.PatientCode, h.PatientAge, h.DoctorName,
		h.DepartmentName, h.EventDate, h.ChiefComplaint, h.Symptoms, h.Diagnosis, h.Medications, h.Instructions,
		h.FollowUpDate, h.TestResults, h.CompletedAt)
	return err
}

func (r *projectionRepoPG) DeletePatientHistory(ctx context.Context, visitID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_history WHERE visit_id = $1`, visitID)
	return err
}

func (r *projectionRepoPG) ListVisitSummaries(ctx context.Context, patientID *uuid.UUID) ([]*VisitSummary, error) {
	where, args := scopeClause(patientID)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT visit_id, patient_id, patient_name, patient_code, doctor_id, doctor_name,
			department_id, department_name, visit_date, visit_status, chief_complaint,
			symptoms, diagnosis, medications, instructions, follow_up_date, tests
		FROM visit_summary`+where+` ORDER BY visit_date DESC, visit_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VisitSummary
	for rows.Next() {
		var (
			s     VisitSummary
			tests []byte
		)
		if err := rows.Scan(&s.VisitID, &s.PatientID, &s.PatientName, &s.PatientCode, &s.DoctorID, &s.DoctorName,
			&s.DepartmentID, &s.DepartmentName, &s.VisitDate, &s.VisitStatus, &s.ChiefComplaint,
			&s.Symptoms, &s.Diagnosis, &s.Medications, &s.Instructions, &s.FollowUpDate, &tests); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tests, &s.Tests); err != nil {
			return nil, fmt.Errorf("decode visit summary tests: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *projectionRepoPG) ListPatientHistory(ctx context.Context, patientID *uuid.UUID) ([]*PatientHistoryEntry, error) {
	where, args := scopeClause(patientID)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT visit_id, patient_id, patient_name, patient_code, patient_age, doctor_name,
			department_name, event_date, chief_complaint, symptoms, diagnosis, medications, instructions,
			follow_up_date, test_results, completed_at
		FROM patient_history`+where+` ORDER BY event_date DESC, visit_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PatientHistoryEntry
	for rows.Next() {
		var h PatientHistoryEntry
		if err := rows.Scan(&h.VisitID, &h.PatientID, &h.PatientName, &h.PatientCode, &h.PatientAge, &h.DoctorName,
			&h.DepartmentName, &h.EventDate, &h.ChiefComplaint, &h.Symptoms, &h.Diagnosis, &h.Medications, &h.Instructions,
			&h.FollowUpDate, &h.TestResults, &h.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
