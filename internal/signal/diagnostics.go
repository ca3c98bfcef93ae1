package signal

// Diagnostic event classes posted on the event bus when a dispatch fails
// asynchronously. Hosting applications subscribe to these for alerting.
const (
	// ClassHandlerFailed records a handler that returned an error or panicked.
	ClassHandlerFailed Class = "type.signalmesh.dev/diagnostics.HandlerFailedUnexpectedly"
	// ClassRoutingFailed records a signal no route could resolve.
	ClassRoutingFailed Class = "type.signalmesh.dev/diagnostics.RoutingFailed"
	// ClassConstraintViolated records a builder that failed validation.
	ClassConstraintViolated Class = "type.signalmesh.dev/diagnostics.ConstraintViolated"
	// ClassEntityStateCorrupted records a state that could not be restored.
	ClassEntityStateCorrupted Class = "type.signalmesh.dev/diagnostics.EntityStateCorrupted"
)

// Diagnostic is the payload of a diagnostic event.
type Diagnostic struct {
	// SignalID is the signal whose dispatch failed.
	SignalID string `json:"signal_id"`
	// TargetType is the entity type the signal was addressed to.
	TargetType string `json:"target_type,omitempty"`
	// TargetID is the entity id the signal was addressed to.
	TargetID string `json:"target_id,omitempty"`
	// Detail is the failure description.
	Detail string `json:"detail"`
}

// NewDiagnostic builds a diagnostic event caused by the failing signal.
func NewDiagnostic(class Class, cause Signal, d Diagnostic) (Signal, error) {
	d.SignalID = cause.ID
	payload, err := MarshalPayload(class, d)
	if err != nil {
		return Signal{}, err
	}
	return NewEvent(payload, d.TargetID, Version{}, ChildContext(cause)), nil
}
