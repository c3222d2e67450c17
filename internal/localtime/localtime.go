// Package localtime converts caller-supplied wall-clock times into absolute
// instants and back. Conversions always use the UTC offset valid on the given
// date in the given zone, so dates on either side of a daylight-saving
// transition resolve correctly.
package localtime

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTimeInput = errors.New("invalid time input")

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// Normalize converts a local date ("2006-01-02"), wall-clock time ("15:04")
// and IANA timezone identifier into a UTC instant.
func Normalize(date, clock, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTimeInput, tz)
	}

	t, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cannot parse %q %q: %v", ErrInvalidTimeInput, date, clock, err)
	}

	return t.UTC(), nil
}

// Render converts an instant back into the given timezone's local date and
// wall-clock time.
func Render(t time.Time, tz string) (date, clock string, err error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", "", fmt.Errorf("%w: unknown timezone %q", ErrInvalidTimeInput, tz)
	}

	local := t.In(loc)
	return local.Format(dateLayout), local.Format(clockLayout), nil
}
