package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest marks envelopes rejected before any ledger access.
var ErrInvalidRequest = errors.New("invalid request")

const (
	fieldOperationKey = "operationKey"
	fieldType         = "type"
)

// Response statuses.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInFlight    = "in_flight"
	StatusUnavailable = "unavailable"
	StatusInvalid     = "invalid"
)

// Envelope is one inbound operation: {"operationKey"?, "type", ...payload}.
type Envelope struct {
	OperationKey string
	Type         string
	Payload      json.RawMessage
}

// Decode splits a flat JSON object into its envelope fields and the remaining payload.
func Decode(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: envelope must be a JSON object", ErrInvalidRequest)
	}

	var env Envelope
	if err := takeString(fields, fieldType, &env.Type); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if err := takeString(fields, fieldOperationKey, &env.OperationKey); err != nil {
		return Envelope{}, err
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	env.Payload = payload
	return env, nil
}

func takeString(fields map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	delete(fields, name)
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, name)
	}
	return nil
}

// Response is the result envelope returned for every operation.
type Response struct {
	Success     bool            `json:"success"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	// OperationKey echoes the caller's key; empty when the key was derived.
	OperationKey string `json:"operationKey,omitempty"`
}
