// Package scanreport decodes the modem's AT#CSURV network survey report
// into structured cell observations.
package scanreport

// Signal level sentinel. 0 dBm is outside the valid range for any cell, so
// the zero value doubles as "unknown".
const SignalUnknown = 0

// Cell identifies one base station seen during a survey, with its signal
// level in dBm (GSM rxLev or UMTS RSCP). Identity fields are kept as the
// strings reported by the modem; empty means the modem reported a value
// outside the field's documented range.
type Cell struct {
	Gen       string `json:"gen"` // "2G" or "3G"
	MCC       string `json:"mcc"`
	MNC       string `json:"mnc"`
	LAC       string `json:"lac"`
	CellID    string `json:"cellid"`
	Channel   int    `json:"channel"` // ARFCN (2G) or UARFCN (3G)
	SignalDBM int    `json:"rx"`
}

// Report is the parsed survey: the serving cell, then the neighbors in the
// order the modem ranked them. Skipped counts cell lines that could not be
// parsed at all.
type Report struct {
	Serving   Cell
	Neighbors []Cell
	Skipped   int
}

// Cells returns serving plus neighbors as a single slice, serving first.
func (r *Report) Cells() []Cell {
	out := make([]Cell, 0, 1+len(r.Neighbors))
	out = append(out, r.Serving)
	return append(out, r.Neighbors...)
}

// ParseError describes a survey report that produced no usable cells.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return "scanreport: " + e.msg }

// ErrEmptyReport is returned by Parse when the report contains zero
// well-formed cell lines.
var ErrEmptyReport = &ParseError{msg: "no well-formed cell lines in report"}
