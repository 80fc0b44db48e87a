// Package models holds the wire types shared between the HTTP surface,
// the WebSocket hub, and the auth middleware.
package models

import "time"

// ErrorBody is the error half of the response envelope
type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Envelope is the uniform JSON shape every response the gateway produces
// directly uses. Success responses carry Data; failures carry Error.
type Envelope struct {
	Success   bool                   `json:"success"`
	Data      interface{}            `json:"data,omitempty"`
	Error     *ErrorBody             `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"requestId"`
}

// NewSuccessEnvelope wraps a payload in the standard success shape
func NewSuccessEnvelope(requestID string, data interface{}) Envelope {
	return Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewErrorEnvelope wraps a failure in the standard error shape
func NewErrorEnvelope(requestID, code, message string) Envelope {
	return Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// WithDetail attaches detail text to the error body
func (e Envelope) WithDetail(detail string) Envelope {
	if e.Error != nil {
		e.Error.Detail = detail
	}
	return e
}

// WithReason attaches a machine-readable reason to the error body
func (e Envelope) WithReason(reason string) Envelope {
	if e.Error != nil {
		e.Error.Reason = reason
	}
	return e
}

// WithRemediation attaches a remediation hint to the error body
func (e Envelope) WithRemediation(remediation string) Envelope {
	if e.Error != nil {
		e.Error.Remediation = remediation
	}
	return e
}

// WithMetadata sets one metadata entry
func (e Envelope) WithMetadata(key string, value interface{}) Envelope {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}
