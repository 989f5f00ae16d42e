package scanreport

import (
	"strconv"
	"strings"
)

// AT#CSURV reports one line per visible cell. GSM cells:
//
//	arfcn: 48 bsic: 24 rxLev: -52 ber: 0.00 mcc: 610 mnc: 1 lac: 33281
//	cellId: 3648 cellStatus: CELL_SUITABLE numArfcn: 2 ...
//
// UMTS cells:
//
//	uarfcn: 10638 rxLev: -60 mcc: 222 mnc: 1 scr code: 224 cellId: 8454875
//	lac: 54717 cellStatus: CELL_SUITABLE ...
//
// Values are extracted positionally from the whitespace-split line; labels
// are fixed so the positions are stable per line type.
const (
	gsmMinFields  = 16
	umtsMinFields = 15
)

// Parse decodes a raw survey report. The first well-formed cell line is the
// serving cell (the modem reports it first); all subsequent well-formed
// lines are neighbors, order preserved. Malformed cell lines are skipped
// and counted. A report with zero well-formed lines fails with
// ErrEmptyReport.
func Parse(raw string) (*Report, error) {
	report := &Report{}
	haveServing := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Network survey") {
			// Blank padding and the start/end banners are not cell lines.
			continue
		}

		var (
			cell Cell
			ok   bool
		)
		switch {
		case strings.HasPrefix(line, "uarfcn"):
			cell, ok = parseUMTSLine(line)
		case strings.HasPrefix(line, "arfcn"):
			cell, ok = parseGSMLine(line)
		}
		if !ok {
			report.Skipped++
			continue
		}

		if !haveServing {
			report.Serving = cell
			haveServing = true
		} else {
			report.Neighbors = append(report.Neighbors, cell)
		}
	}

	if !haveServing {
		return nil, ErrEmptyReport
	}
	return report, nil
}

func parseGSMLine(line string) (Cell, bool) {
	fields := strings.Fields(line)
	if len(fields) < gsmMinFields {
		return Cell{}, false
	}
	return Cell{
		Gen:       "2G",
		Channel:   intField(fields[1], 0, 1023),
		SignalDBM: intField(fields[5], -140, -10),
		MCC:       idField(fields[9], 999),
		MNC:       idField(fields[11], 999),
		LAC:       idField(fields[13], 0xFFFF),
		CellID:    idField(fields[15], 0xFFFF),
	}, true
}

func parseUMTSLine(line string) (Cell, bool) {
	fields := strings.Fields(line)
	if len(fields) < umtsMinFields {
		return Cell{}, false
	}
	return Cell{
		Gen:       "3G",
		Channel:   intField(fields[1], 0, 16383),
		SignalDBM: intField(fields[3], -140, -10),
		MCC:       idField(fields[5], 999),
		MNC:       idField(fields[7], 999),
		CellID:    idField(fields[12], 0x0FFFFFFF),
		LAC:       idField(fields[14], 0xFFFF),
	}, true
}

// intField parses a numeric field, clamping to SignalUnknown (zero) when the
// value does not parse or falls outside [min, max]. Partial reports with
// out-of-range values are expected at cell edge and are kept, not rejected.
func intField(s string, min, max int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < min || v > max {
		return SignalUnknown
	}
	return v
}

// idField validates a non-negative identity field against its upper bound,
// returning "" (unknown) when invalid.
func idField(s string, max int) string {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > max {
		return ""
	}
	return s
}
