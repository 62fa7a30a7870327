package protocol

// FailureKind classifies a command-level failure. Empty means success.
type FailureKind string

const (
	FailureNone               FailureKind = ""
	FailureUnresolvedTemplate FailureKind = "unresolved-template"
	FailureMonitoringError    FailureKind = "monitoring-error"
	FailureDeliveryError      FailureKind = "delivery-error"
	FailureTimeout            FailureKind = "timeout"
	FailureShutdown           FailureKind = "shutdown"
)

// Attachment is an inline image carried with a response, base64-encoded
// so the envelope stays plain JSON.
type Attachment struct {
	Name       string `json:"name"`
	ContentB64 string `json:"content_b64"`
}

// Response is the canonical reply envelope published to the outbound
// queue. CorrelatesTo equals the originating Command.ID; the broker
// message id is set to the same value so duplicate publishes are
// suppressed on the consumer side.
type Response struct {
	CorrelatesTo string       `json:"correlates_to"`
	Destination  Origin       `json:"destination"`
	Subject      string       `json:"subject,omitempty"`
	Body         string       `json:"body"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Failure      FailureKind  `json:"failure,omitempty"`
}

// IsFailure reports whether the response carries an error notice
// rather than a result.
func (r Response) IsFailure() bool { return r.Failure != FailureNone }
