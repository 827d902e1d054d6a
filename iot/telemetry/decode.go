package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

var (
	// ErrInvalidPayload is returned when the message body is not a JSON document
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidTimestamp is attached as warning when the timestamp field cannot be parsed
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrInvalidQuality is attached as warning when the quality field is not an integer
	ErrInvalidQuality = errors.New("invalid quality")
	// ErrInvalidText is attached as warning when a text field carries NUL bytes or
	// invalid UTF-8. The field is kept with those bytes removed.
	ErrInvalidText = errors.New("invalid text")
)

// local date-time layouts accepted for the timestamp field. Fractional seconds
// are accepted after the seconds field without being part of the layout.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Decoded is the result of decoding a message body. Fields absent from the
// payload are nil. Warnings lists the fields which were present but had to be
// discarded.
type Decoded struct {
	DataType     *string
	Unit         *string
	ValueNumeric *float64
	ValueString  *string
	ValueBoolean *bool
	Quality      *int
	Timestamp    *time.Time
	Warnings     []error
}

// Decode parses a message body.
//
// Only a body which is not JSON at all is rejected with ErrInvalidPayload. A single bad
// field never fails the message: a bad timestamp is dropped with a warning, a value
// which is neither number, string nor boolean populates no typed value.
func Decode(payload []byte) (Decoded, error) {
	var d Decoded
	if !json.Valid(payload) {
		return d, ErrInvalidPayload
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return d, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	d.DataType = d.sanitize("dataType", text(fields["dataType"]))
	d.Unit = d.sanitize("unit", text(fields["unit"]))

	if raw, ok := fields["value"]; ok {
		d.decodeValue(raw)
		d.ValueString = d.sanitize("value", d.ValueString)
	}

	if raw, ok := fields["quality"]; ok && !isNull(raw) {
		q, err := quality(raw)
		if err != nil {
			d.Warnings = append(d.Warnings, err)
		} else {
			d.Quality = &q
		}
	}

	if raw, ok := fields["timestamp"]; ok && !isNull(raw) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			d.Warnings = append(d.Warnings, fmt.Errorf("%w: %s", ErrInvalidTimestamp, string(raw)))
		} else if ts, err := ParseTimestamp(s); err != nil {
			d.Warnings = append(d.Warnings, err)
		} else {
			d.Timestamp = &ts
		}
	}
	return d, nil
}

// ParseTimestamp parses an ISO-8601 local date-time without offset, for example
// 2024-01-15T10:30:00 or 2024-01-15T10:30:00.123. The result is in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

func (d *Decoded) decodeValue(raw json.RawMessage) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			d.ValueString = &s
		}
	case c == 't' || c == 'f':
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			d.ValueBoolean = &b
		}
	case c == '-' || (c >= '0' && c <= '9'):
		if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
			d.ValueNumeric = &f
		}
	}
}

// sanitize strips NUL bytes and invalid UTF-8 sequences, which text columns
// cannot hold
func (d *Decoded) sanitize(field string, s *string) *string {
	if s == nil || (utf8.ValidString(*s) && !strings.ContainsRune(*s, 0)) {
		return s
	}
	clean := strings.ReplaceAll(strings.ToValidUTF8(*s, ""), "\x00", "")
	d.Warnings = append(d.Warnings, fmt.Errorf("%w: %s %q", ErrInvalidText, field, *s))
	return &clean
}

// text returns strings as they are and numbers or booleans by their literal text
func text(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return nil
		}
		return &s
	case c == 't' || c == 'f' || c == '-' || (c >= '0' && c <= '9'):
		s := string(raw)
		return &s
	}
	return nil
}

func quality(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	s := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidQuality, string(raw))
		}
		s = strings.TrimSpace(s)
		if q, err := strconv.Atoi(s); err == nil {
			return q, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrInvalidQuality, string(raw))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidQuality, s)
	}
	return int(f), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
