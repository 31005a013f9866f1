// Package thaitime converts between Buddhist-Era calendar dates and UTC
// time windows. Thai agencies exchange dates as DD/MM/YYYY with the
// year in BE (CE + 543), and a "day" means midnight to midnight in
// Asia/Bangkok.
package thaitime

import (
	"fmt"
	"time"
)

// BEOffset is the year difference between the Buddhist and Gregorian
// calendars.
const BEOffset = 543

var bangkok *time.Location

func init() {
	var err error
	bangkok, err = time.LoadLocation("Asia/Bangkok")
	if err != nil {
		// ICT has no DST; a fixed offset is equivalent.
		bangkok = time.FixedZone("ICT", 7*3600)
	}
}

// Bangkok returns the fleet's local zone.
func Bangkok() *time.Location { return bangkok }

// ParseBEDate parses a DD/MM/YYYY Buddhist-Era date into the Gregorian
// calendar day it names, anchored at Bangkok midnight.
func ParseBEDate(s string) (time.Time, error) {
	var day, month, year int
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &day, &month, &year); err != nil {
		return time.Time{}, fmt.Errorf("invalid BE date %q: want DD/MM/YYYY", s)
	}
	year -= BEOffset
	if year < 1900 || year > 2200 {
		return time.Time{}, fmt.Errorf("BE date %q: year out of range", s)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, bangkok)
	// time.Date normalizes overflow (32/01 becomes 01/02); reject it.
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("invalid BE date %q", s)
	}
	return t, nil
}

// DayWindowUTC converts a DD/MM/YYYY BE date into the UTC half-open
// window covering that Bangkok calendar day.
func DayWindowUTC(s string) (start, end time.Time, err error) {
	local, err := ParseBEDate(s)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return local.UTC(), local.AddDate(0, 0, 1).UTC(), nil
}

// FormatBE renders a timestamp as a DD/MM/YYYY BE date in Bangkok time.
func FormatBE(t time.Time) string {
	local := t.In(bangkok)
	return fmt.Sprintf("%02d/%02d/%04d", local.Day(), int(local.Month()), local.Year()+BEOffset)
}
