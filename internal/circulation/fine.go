// internal/circulation/fine.go
package circulation

import "time"

const day = 24 * time.Hour

// ComputeFine charges ratePerDay for every started day between due and
// returned. Returning on or before the due date costs nothing.
func ComputeFine(due, returned time.Time, ratePerDay int64) int64 {
	late := returned.Sub(due)
	if late <= 0 || ratePerDay <= 0 {
		return 0
	}
	days := int64(late / day)
	if late%day != 0 {
		days++
	}
	return days * ratePerDay
}
