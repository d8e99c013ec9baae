package proto

import (
	"encoding/json"
	"fmt"
)

// Relay-level message types. Anything else is forwarded opaquely.
const (
	SignalTypeError = "error"
)

// Signal is the relay's view of a message: just enough structure to
// route it. The full body is forwarded verbatim with "from" stamped.
type Signal struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// SignalError is the synchronous error reply the relay sends back to a
// message's originator. It is never forwarded to the target.
type SignalError struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	InRe  string `json:"inRe,omitempty"` // offending message type
	Txn   string `json:"txn,omitempty"`  // offending txn, when present
}

// ParseSignal extracts routing fields from a raw relay frame.
func ParseSignal(raw []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if sig.Type == "" {
		return Signal{}, fmt.Errorf("%w: missing type", ErrSchemaValidation)
	}
	return sig, nil
}

// StampFrom rewrites a raw frame with the sender's participant id in the
// "from" field, leaving every other field untouched.
func StampFrom(raw []byte, from string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	encoded, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["from"] = encoded
	return json.Marshal(fields)
}
