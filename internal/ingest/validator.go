package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidJSON is returned when a request body is not well-formed JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// PayloadTooLargeError is returned when the request body, batch length or a
// single entry exceeds its configured bound. Message is surfaced to the
// producer verbatim.
type PayloadTooLargeError struct {
	Message string
}

func (e *PayloadTooLargeError) Error() string {
	return e.Message
}

// Limits configures the ingest byte and batch bounds.
type Limits struct {
	MaxPayloadSize   int // total request body bytes
	MaxBatchSize     int // entries per batch request
	MaxSingleLogSize int // serialized bytes per entry
}

// Body is a validated request body. Records holds the raw producer records
// in request order; the handler consumes them without re-parsing the body.
type Body struct {
	Batch   bool
	Records []json.RawMessage
}

// Validate enforces payload, batch and per-entry byte bounds on a raw
// request body.
//
// Order of checks:
//  1. Total body size against MaxPayloadSize.
//  2. JSON well-formedness.
//  3. Batch requests ({"logs": [...]}): batch length, then each entry's
//     serialized size (the error names the offending index).
//  4. Single records: serialized size against MaxSingleLogSize.
func Validate(raw []byte, lim Limits) (*Body, error) {
	if len(raw) > lim.MaxPayloadSize {
		return nil, &PayloadTooLargeError{
			Message: fmt.Sprintf("Payload size %d exceeds maximum of %d bytes", len(raw), lim.MaxPayloadSize),
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ErrInvalidJSON
	}

	if logsRaw, ok := fields["logs"]; ok {
		var records []json.RawMessage
		if err := json.Unmarshal(logsRaw, &records); err == nil {
			if len(records) > lim.MaxBatchSize {
				return nil, &PayloadTooLargeError{
					Message: fmt.Sprintf("Batch size exceeds maximum of %d logs", lim.MaxBatchSize),
				}
			}
			for i, rec := range records {
				if len(rec) > lim.MaxSingleLogSize {
					return nil, &PayloadTooLargeError{
						Message: fmt.Sprintf("Log entry at index %d exceeds maximum size of %d bytes", i, lim.MaxSingleLogSize),
					}
				}
			}
			return &Body{Batch: true, Records: records}, nil
		}
		// "logs" present but not an array: treat the body as a single
		// free-form record. The key flows into the entry's data.
	}

	if len(raw) > lim.MaxSingleLogSize {
		return nil, &PayloadTooLargeError{
			Message: fmt.Sprintf("Log entry exceeds maximum size of %d bytes", lim.MaxSingleLogSize),
		}
	}

	return &Body{Batch: false, Records: []json.RawMessage{json.RawMessage(raw)}}, nil
}
