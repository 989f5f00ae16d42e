package gnss

import "time"

// Fix is a single GNSS position fix. Consumers always receive a copy, never
// a shared reference.
type Fix struct {
	Lat     float64   `json:"lat"`     // decimal degrees
	Lon     float64   `json:"lon"`     // decimal degrees
	Alt     float64   `json:"alt"`     // meters above MSL
	Quality string    `json:"quality"` // NMEA GGA fix quality ("1" GPS, "2" DGPS, ...)
	Time    time.Time `json:"time"`    // receive time, UTC
}

// Age returns how old the fix is relative to now. Callers attaching a fix
// to an observation must reject fixes older than their staleness threshold.
func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.Time)
}
