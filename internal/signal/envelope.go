package signal

// Envelope wraps a signal with the accessors used by routing and filtering.
type Envelope struct {
	Signal Signal
}

// Enclose wraps a signal, rejecting default payloads and missing ids.
func Enclose(s Signal) (Envelope, error) {
	if s.ID == "" {
		return Envelope{}, ErrMissingID
	}
	if s.IsDefault() {
		return Envelope{}, ErrDefaultPayload
	}
	return Envelope{Signal: s}, nil
}

// MessageClass returns the payload type URL.
func (e Envelope) MessageClass() Class {
	return e.Signal.Class()
}

// TenantID returns the tenant the signal is scoped to.
func (e Envelope) TenantID() string {
	return e.Signal.Context.TenantID
}

// OriginID returns the id of the closest parent signal.
func (e Envelope) OriginID() string {
	return e.Signal.Context.OriginID()
}

// External reports whether the signal was imported from another context.
func (e Envelope) External() bool {
	return e.Signal.Context.External
}
