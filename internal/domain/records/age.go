package records

import "time"

// Age returns the number of whole years between dob and ref. A birthday
// that falls later in ref's year than ref itself has not been reached yet.
func Age(dob, ref time.Time) int {
	years := ref.Year() - dob.Year()
	if ref.Month() < dob.Month() || (ref.Month() == dob.Month() && ref.Day() < dob.Day()) {
		years--
	}
	return years
}
