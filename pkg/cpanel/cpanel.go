package cpanel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	RecordTypeTXT = "TXT"

	FuncFetchZoneRecords = "fetchzone_records"
	FuncAddZoneRecord    = "add_zone_record"
	FuncRemoveZoneRecord = "remove_zone_record"
)

// Record is one line of a zone as reported by ZoneEdit::fetchzone_records.
type Record struct {
	Line    int    `json:"line"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	TXTData string `json:"txtdata"`
	TTL     int    `json:"ttl"`
}

// UnmarshalJSON accepts line and ttl both as JSON numbers and as strings;
// cPanel versions disagree on which one they send.
func (r *Record) UnmarshalJSON(b []byte) error {
	var raw struct {
		Line    json.RawMessage `json:"line"`
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		TXTData string          `json:"txtdata"`
		TTL     json.RawMessage `json:"ttl"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	line, err := parseInt(raw.Line)
	if err != nil {
		return fmt.Errorf("invalid line: %w", err)
	}
	ttl, err := parseInt(raw.TTL)
	if err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}

	*r = Record{
		Line:    line,
		Name:    raw.Name,
		Type:    raw.Type,
		TXTData: raw.TXTData,
		TTL:     ttl,
	}
	return nil
}

func parseInt(raw json.RawMessage) (int, error) {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	if s == "" || s == "null" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Envelope is the API2 response wrapper around every call result.
type Envelope struct {
	Result EnvelopeResult `json:"cpanelresult"`
}

type EnvelopeResult struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
	Event *Event          `json:"event,omitempty"`
	Func  string          `json:"func,omitempty"`
}

type Event struct {
	Result int `json:"result"`
}

// Status is the per-item result of mutating ZoneEdit calls.
type Status struct {
	Result StatusResult `json:"result"`
}

type StatusResult struct {
	Status    int    `json:"status"`
	StatusMsg string `json:"statusmsg"`
}

// APIError is returned for any unsuccessful API call.
type APIError struct {
	Func       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("cpanel %s failed with status code %d: %s", e.Func, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("cpanel %s failed: %s", e.Func, e.Message)
}
