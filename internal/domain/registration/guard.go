package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careorbit/careorbit/internal/domain/records"
)

const (
	patientIDPrefix = "PT"
	dateLayout      = "2006-01-02"
	maxIDAttempts   = 5
)

// Input is a registration request as received from the front desk.
type Input struct {
	Name           string `json:"name"`
	ContactNumber  string `json:"contact_number"`
	AadhaarNumber  string `json:"aadhaar_number"`
	DateOfBirth    string `json:"date_of_birth"` // YYYY-MM-DD
	Gender         string `json:"gender"`
	Address        string `json:"address"`
	Allergies      string `json:"allergies"`
	ChronicIllness string `json:"chronic_illness"`
}

// Registration is the outcome of a successful registration.
type Registration struct {
	Patient *records.Patient `json:"patient"`
	Age     int              `json:"age"`
}

// Guard enforces patient identity uniqueness and issues patient ids.
type Guard struct {
	patients records.PatientRepository
	now      func() time.Time
	log      zerolog.Logger
}

func NewGuard(patients records.PatientRepository, log zerolog.Logger) *Guard {
	return &Guard{
		patients: patients,
		now:      time.Now,
		log:      log.With().Str("component", "registration").Logger(),
	}
}

// SetClock overrides the time source used for age and date checks.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// FormatPatientID renders a counter value as a patient id. Values above 9999
// widen instead of wrapping.
func FormatPatientID(n int) string {
	return fmt.Sprintf("%s%04d", patientIDPrefix, n)
}

func normalize(in Input) Input {
	in.Name = strings.TrimSpace(in.Name)
	in.ContactNumber = strings.TrimSpace(in.ContactNumber)
	in.AadhaarNumber = strings.TrimSpace(in.AadhaarNumber)
	in.DateOfBirth = strings.TrimSpace(in.DateOfBirth)
	in.Gender = strings.TrimSpace(in.Gender)
	in.Address = strings.TrimSpace(in.Address)
	in.Allergies = strings.TrimSpace(in.Allergies)
	in.ChronicIllness = strings.TrimSpace(in.ChronicIllness)
	return in
}

func (g *Guard) validate(in Input) (time.Time, error) {
	required := []struct{ field, value string }{
		{"name", in.Name},
		{"phone", in.ContactNumber},
		{"date_of_birth", in.DateOfBirth},
		{"gender", in.Gender},
		{"address", in.Address},
	}
	for _, r := range required {
		if r.value == "" {
			return time.Time{}, records.Invalid(r.field, "is required")
		}
	}
	dob, err := time.Parse(dateLayout, in.DateOfBirth)
	if err != nil {
		return time.Time{}, records.Invalid("date_of_birth", "must be a date in YYYY-MM-DD format")
	}
	if dob.After(g.now()) {
		return time.Time{}, records.Invalid("date_of_birth", "cannot be in the future")
	}
	return dob, nil
}

// checkDuplicates runs the identity checks in order: name and phone first,
// then aadhaar when one was given. The patient with id self is not a
// duplicate of itself.
func (g *Guard) checkDuplicates(ctx context.Context, in Input, self uuid.UUID) error {
	existing, err := g.patients.FindByNameAndContact(ctx, in.Name, in.ContactNumber)
	if err != nil {
		return fmt.Errorf("lookup by name and phone: %w", err)
	}
	if existing != nil && existing.ID != self {
		return &records.DuplicateError{
			Field:      "name and phone",
			Value:      in.Name + " / " + in.ContactNumber,
			ExistingID: existing.PatientID,
		}
	}
	if in.AadhaarNumber == "" {
		return nil
	}
	existing, err = g.patients.FindByAadhaar(ctx, in.AadhaarNumber)
	if err != nil {
		return fmt.Errorf("lookup by aadhaar: %w", err)
	}
	if existing != nil && existing.ID != self {
		return &records.DuplicateError{
			Field:      "aadhaar number",
			Value:      in.AadhaarNumber,
			ExistingID: existing.PatientID,
		}
	}
	return nil
}

// RegisterPatient validates the input, rejects duplicate identities and
// creates the patient with the next patient id. Nothing is written when a
// ValidationError or DuplicateError is returned.
func (g *Guard) RegisterPatient(ctx context.Context, in Input) (*Registration, error) {
	in = normalize(in)
	dob, err := g.validate(in)
	if err != nil {
		return nil, err
	}
	if err := g.checkDuplicates(ctx, in, uuid.Nil); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		n, err := g.patients.NextPatientNumber(ctx)
		if err != nil {
			return nil, err
		}
		p := &records.Patient{
			PatientID:      FormatPatientID(n),
			Name:           in.Name,
			ContactNumber:  in.ContactNumber,
			AadhaarNumber:  in.AadhaarNumber,
			DateOfBirth:    dob,
			Gender:         in.Gender,
			Address:        in.Address,
			Allergies:      in.Allergies,
			ChronicIllness: in.ChronicIllness,
		}
		err = g.patients.Create(ctx, p)
		if err == nil {
			g.log.Info().Str("patient_id", p.PatientID).Msg("patient registered")
			return &Registration{Patient: p, Age: records.Age(p.DateOfBirth, g.now())}, nil
		}

		var ce *records.ConflictError
		if !errors.As(err, &ce) {
			return nil, fmt.Errorf("create patient: %w", err)
		}
		if ce.Constraint != records.ConstraintPatientCode {
			// A concurrent registration claimed the identity after our checks.
			if dupErr := g.checkDuplicates(ctx, in, uuid.Nil); dupErr != nil {
				return nil, dupErr
			}
			return nil, fmt.Errorf("create patient: %w", err)
		}
		g.log.Warn().Str("patient_id", p.PatientID).Int("attempt", attempt).Msg("patient id already taken, retrying")
	}
	return nil, fmt.Errorf("create patient: no free patient id after %d attempts", maxIDAttempts)
}

// UpdatePatient replaces the identity and demographic fields of a patient
// under the same validation and duplicate checks as registration. The
// patient id and creation time are kept.
func (g *Guard) UpdatePatient(ctx context.Context, id uuid.UUID, in Input) (*Registration, error) {
	in = normalize(in)
	dob, err := g.validate(in)
	if err != nil {
		return nil, err
	}
	current, err := g.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.checkDuplicates(ctx, in, id); err != nil {
		return nil, err
	}

	updated := *current
	updated.Name = in.Name
	updated.ContactNumber = in.ContactNumber
	updated.AadhaarNumber = in.AadhaarNumber
	updated.DateOfBirth = dob
	updated.Gender = in.Gender
	updated.Address = in.Address
	updated.Allergies = in.Allergies
	updated.ChronicIllness = in.ChronicIllness

	if err := g.patients.Update(ctx, &updated); err != nil {
		var ce *records.ConflictError
		if errors.As(err, &ce) {
			if dupErr := g.checkDuplicates(ctx, in, id); dupErr != nil {
				return nil, dupErr
			}
		}
		return nil, fmt.Errorf("update patient: %w", err)
	}
	g.log.Info().Str("patient_id", updated.PatientID).Msg("patient updated")
	return &Registration{Patient: &updated, Age: records.Age(updated.DateOfBirth, g.now())}, nil
}

// FindPatient looks a patient up by its PTnnnn id.
func (g *Guard) FindPatient(ctx context.Context, patientID string) (*Registration, error) {
	p, err := g.patients.GetByPatientID(ctx, strings.ToUpper(strings.TrimSpace(patientID)))
	if err != nil {
		return nil, err
	}
	return &Registration{Patient: p, Age: records.Age(p.DateOfBirth, g.now())}, nil
}

// SearchPatients matches name, phone or patient id by substring.
func (g *Guard) SearchPatients(ctx context.Context, query string) ([]*records.Patient, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, records.Invalid("q", "please provide search criteria")
	}
	found, err := g.patients.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	if found == nil {
		found = []*records.Patient{}
	}
	return found, nil
}
