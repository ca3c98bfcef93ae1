// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Signal errors
	CodeDefaultPayload Code = "SIGNAL_DEFAULT_PAYLOAD"
	CodeMissingPayload Code = "SIGNAL_MISSING_PAYLOAD"
	CodeSchemaViolated Code = "SIGNAL_SCHEMA_VIOLATED"

	// Bus and registry errors
	CodeDuplicateHandler  Code = "BUS_DUPLICATE_HANDLER"
	CodeInvalidDispatcher Code = "BUS_INVALID_DISPATCHER"
	CodeNoDispatcher      Code = "BUS_NO_DISPATCHER"

	// Routing errors
	CodeDuplicateRoute Code = "ROUTE_DUPLICATE"
	CodeRouteNotFound  Code = "ROUTE_NOT_FOUND"
	CodeRouteFailed    Code = "ROUTE_FAILED"

	// Entity and transaction errors
	CodeConstraintViolated  Code = "ENTITY_CONSTRAINT_VIOLATED"
	CodeVersionConflict     Code = "ENTITY_VERSION_CONFLICT"
	CodeTransactionAborted  Code = "ENTITY_TRANSACTION_ABORTED"
	CodeHandlerFailed       Code = "ENTITY_HANDLER_FAILED"
	CodeEntityStateCorrupt  Code = "ENTITY_STATE_CORRUPTED"
	CodeHandlerNotFound     Code = "ENTITY_HANDLER_NOT_FOUND"
	CodeInvalidHandler      Code = "ENTITY_INVALID_HANDLER"
	CodeLifecycleConflict   Code = "ENTITY_LIFECYCLE_CONFLICT"
	CodeStateMarshalFailure Code = "ENTITY_STATE_MARSHAL_FAILURE"

	// Delivery errors
	CodeShardTaken        Code = "DELIVERY_SHARD_TAKEN"
	CodeSessionLost       Code = "DELIVERY_SESSION_LOST"
	CodeDuplicateTarget   Code = "DELIVERY_DUPLICATE_TARGET"
	CodeInvalidShardIndex Code = "DELIVERY_INVALID_SHARD_INDEX"
	CodeEnqueueFailed     Code = "DELIVERY_ENQUEUE_FAILED"

	// Catch-up errors
	CodeCatchUpAlreadyActive Code = "CATCHUP_ALREADY_ACTIVE"
	CodeCatchUpInvalidState  Code = "CATCHUP_INVALID_STATE"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// Integration errors
	CodeChannelClosed Code = "INTEGRATION_CHANNEL_CLOSED"
)

// GRPCCode maps the error code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeNotFound, CodeRouteNotFound, CodeHandlerNotFound:
		return codes.NotFound
	case CodeDuplicateHandler, CodeDuplicateRoute, CodeDuplicateTarget, CodeCatchUpAlreadyActive:
		return codes.AlreadyExists
	case CodeDefaultPayload, CodeMissingPayload, CodeSchemaViolated, CodeInvalidDispatcher,
		CodeInvalidShardIndex, CodeInvalidHandler, CodeRouteFailed:
		return codes.InvalidArgument
	case CodeConstraintViolated, CodeVersionConflict, CodeLifecycleConflict, CodeCatchUpInvalidState:
		return codes.FailedPrecondition
	case CodeTransactionAborted, CodeHandlerFailed, CodeEntityStateCorrupt:
		return codes.Aborted
	case CodeShardTaken, CodeSessionLost:
		return codes.Unavailable
	case CodeStorageUnavailable, CodeEnqueueFailed, CodeChannelClosed:
		return codes.Unavailable
	case CodeStateMarshalFailure:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
