package postfix

import "time"

// YearFor infers the year of a syslog timestamp in month, given that the line was read
// at ref. Logs are read after they are written, so a month more than one ahead of ref
// belongs to the previous year, eg. a December line read in January. A month that is
// only one ahead is taken as clock skew at a month boundary and kept in the future,
// so a January line read in December is put in the next year.
func YearFor(month time.Month, ref time.Time) int {
	if month == time.January && ref.Month() == time.December {
		return ref.Year() + 1
	}
	if int(month)-int(ref.Month()) > 1 {
		return ref.Year() - 1
	}
	return ref.Year()
}
