package signal

import (
	"errors"

	apperrors "github.com/louisbranch/signalmesh/internal/platform/errors"
)

// AckStatus is the outcome reported for one posted signal.
type AckStatus string

const (
	// AckOk indicates the signal was accepted and handed off.
	AckOk AckStatus = "ok"
	// AckError indicates the signal was not handed off.
	AckError AckStatus = "error"
	// AckRejection indicates the handler declined the command.
	AckRejection AckStatus = "rejection"
)

// Ack reports the outcome of posting one signal to a bus.
type Ack struct {
	SignalID string
	Status   AckStatus
	// Err is set when Status is AckError.
	Err error
	// Code is the machine-readable code extracted from Err.
	Code apperrors.Code
	// Rejection is set when Status is AckRejection.
	Rejection *Signal
	// ProducedEvents counts events emitted while handling the signal.
	ProducedEvents int
	// ProducedCommands counts commands emitted while handling the signal.
	ProducedCommands int
}

// OkAck acknowledges a successful hand-off.
func OkAck(signalID string) Ack {
	return Ack{SignalID: signalID, Status: AckOk}
}

// ErrorAck acknowledges a failed hand-off. The ack code comes from the
// closest coded error in the chain.
func ErrorAck(signalID string, err error) Ack {
	return Ack{
		SignalID: signalID,
		Status:   AckError,
		Err:      err,
		Code:     apperrors.CodeOf(err),
	}
}

// RejectionAck acknowledges a declined command.
func RejectionAck(signalID string, rejection *Signal) Ack {
	return Ack{SignalID: signalID, Status: AckRejection, Rejection: rejection}
}

// GRPCStatus converts an error ack into a gRPC status error carrying the
// machine-readable code. Non-error acks convert to nil.
func (a Ack) GRPCStatus() error {
	if a.Status != AckError || a.Err == nil {
		return nil
	}
	var e *apperrors.Error
	if errors.As(a.Err, &e) {
		return e.ToGRPCStatus()
	}
	return apperrors.Wrap(a.Code, a.Err.Error(), a.Err).ToGRPCStatus()
}
