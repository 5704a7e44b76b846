// Package schema defines the wire and audit types shared across the sync engine.
package schema

import (
	"crypto/sha256"
	"encoding/hex"

	json "github.com/goccy/go-json"

	"github.com/campusops/syncengine/errs"
)

// Envelope is the JSON wrapper carrying a domain event on the broker.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// ParseEnvelope decodes and validates a broker message body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errs.New("schema", errs.CodeMalformed, errs.WithMessage("decode envelope"), errs.WithCause(err))
	}
	if env.EventID == "" {
		return Envelope{}, errs.New("schema", errs.CodeMalformed, errs.WithMessage("envelope missing eventId"))
	}
	if env.EventType == "" {
		return Envelope{}, errs.New("schema", errs.CodeMalformed, errs.WithMessage("envelope missing eventType"))
	}
	return env, nil
}

// Checksum returns the hex-encoded SHA-256 digest of the event payload.
func (e Envelope) Checksum() string {
	sum := sha256.Sum256(e.Data)
	return hex.EncodeToString(sum[:])
}
