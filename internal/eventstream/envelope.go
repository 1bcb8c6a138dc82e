// Package eventstream is the best-effort sink historical MacMan records are
// published to as structured JSON envelopes. Publishes are fire-and-continue:
// a failed send is logged by the caller and never retried, and collection
// watermarks advance regardless.
package eventstream

import (
	"encoding/json"
	"strconv"
	"time"
)

// Machine identifies the source machine on every envelope.
type Machine struct {
	ID   int
	IP   string
	Name string
}

// Record is one MacMan row as collected off the controller: the screen it
// came from, its parsed event time (zero when parsing failed), and every
// field read for it, keyed by field name.
type Record struct {
	Screen    string
	Timestamp time.Time
	Fields    map[string]string
}

// Envelope is the wire shape of one published record.
type Envelope struct {
	MachineID       int               `json:"machine_id"`
	MachineIP       string            `json:"machine_ip"`
	Timestamp       string            `json:"timestamp"`
	MeasurementType string            `json:"measurement_type"`
	Tags            map[string]string `json:"tags"`
	Fields          map[string]string `json:"fields"`
	ProcessedDate   string            `json:"ProcessedDate"`
}

const wireTime = "2006-01-02T15:04:05.000Z"

// Screen name whose envelopes carry the send time, not the record time.
const operatingReport = "OPERATING_REPORT_DISPLAY"

// excludedFields never appear under "fields": the date/time parts are
// already folded into "timestamp" and the program names move to "tags".
var excludedFields = map[string]struct{}{
	"StartDay":        {},
	"StartTime":       {},
	"Date":            {},
	"Time":            {},
	"ProcessedDate":   {},
	"MainProgramName": {},
	"ProgramName":     {},
}

// Frame builds the envelope for one record. The envelope timestamp is the
// record's parsed event time in UTC, except for OPERATING_REPORT_DISPLAY
// where it is always the current wall clock; a record whose time failed to
// parse also falls back to the collection time. The root ProcessedDate is
// always the current wall clock, recording when the envelope was sent
// rather than when the event happened.
func Frame(m Machine, rec Record, now time.Time) Envelope {
	ts := rec.Timestamp
	if rec.Screen == operatingReport || ts.IsZero() {
		ts = now
	}

	tags := map[string]string{
		"machine_name":    m.Name,
		"MainProgramName": rec.Fields["MainProgramName"],
		"ProgramName":     rec.Fields["ProgramName"],
	}

	fields := make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		if _, skip := excludedFields[k]; skip {
			continue
		}
		fields[k] = v
	}

	return Envelope{
		MachineID:       m.ID,
		MachineIP:       m.IP,
		Timestamp:       ts.UTC().Format(wireTime),
		MeasurementType: rec.Screen,
		Tags:            tags,
		Fields:          fields,
		ProcessedDate:   now.UTC().Format(wireTime),
	}
}

// Metadata returns the properties attached to every published event.
func Metadata(m Machine, screen string) map[string]string {
	return map[string]string{
		"machine_id":       strconv.Itoa(m.ID),
		"machine_ip":       m.IP,
		"machine_name":     m.Name,
		"measurement_type": screen,
	}
}

// Encode renders an envelope as UTF-8 JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
