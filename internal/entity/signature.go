package entity

import "fmt"

// Severity grades a signature mismatch.
type Severity string

const (
	// SeverityWarn is logged; registration proceeds.
	SeverityWarn Severity = "warn"
	// SeverityError prevents registration.
	SeverityError Severity = "error"
)

// Mismatch is one failed criterion of a handler signature check.
type Mismatch struct {
	Handler  string
	Severity Severity
	Reason   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s: %s", m.Severity, m.Handler, m.Reason)
}

// paramSpecs enumerates the parameter shapes accepted per handler kind.
var paramSpecs = map[HandlerKind][]ParamSpec{
	HandlerCommand:           {ParamsMessage, ParamsMessageContext},
	HandlerCommandSubstitute: {ParamsMessage, ParamsMessageContext},
	HandlerEventApplier:      {ParamsMessage, ParamsEventMessageEventContext},
	HandlerEventReactor:      {ParamsMessage, ParamsMessageContext, ParamsEventMessageEventContext},
	HandlerEventSubscriber:   {ParamsMessage, ParamsMessageContext, ParamsEventMessageEventContext},
	HandlerRejectionReactor: {
		ParamsRejectionMessageCommandContext,
		ParamsRejectionMessageCommandContextCommandMessage,
	},
}

// returnSpecs enumerates the return shapes accepted per handler kind.
var returnSpecs = map[HandlerKind][]ReturnSpec{
	HandlerCommand:           {ReturnsSingle, ReturnsIterable, ReturnsTuple},
	HandlerCommandSubstitute: {ReturnsSingle, ReturnsIterable, ReturnsTuple},
	HandlerEventApplier:      {ReturnsNothing},
	HandlerEventReactor:      {ReturnsSingle, ReturnsIterable, ReturnsOptional, ReturnsNothing},
	HandlerRejectionReactor:  {ReturnsSingle, ReturnsIterable, ReturnsOptional, ReturnsNothing},
	HandlerEventSubscriber:   {ReturnsNothing},
}

// Check validates one handler descriptor against the signature table for the
// entity kind. It is a pure predicate over the descriptor.
func Check(kind Kind, h Handler) []Mismatch {
	var out []Mismatch
	fail := func(reason string) {
		out = append(out, Mismatch{Handler: h.Name, Severity: SeverityError, Reason: reason})
	}
	warn := func(reason string) {
		out = append(out, Mismatch{Handler: h.Name, Severity: SeverityWarn, Reason: reason})
	}

	if !h.Consumes.IsValid() {
		fail("consumed message class is empty")
	}
	allowedParams, known := paramSpecs[h.Kind]
	if !known {
		fail(fmt.Sprintf("unknown handler kind %q", h.Kind))
		return out
	}
	if !containsParam(allowedParams, h.Params) {
		fail(fmt.Sprintf("parameter spec %q is not allowed for %s", h.Params, h.Kind))
	}
	if !containsReturn(returnSpecs[h.Kind], h.Returns) {
		fail(fmt.Sprintf("return spec %q is not allowed for %s", h.Returns, h.Kind))
	}

	if h.Kind == HandlerEventApplier && kind != KindAggregate {
		fail("event appliers are allowed on aggregates only")
	}
	if h.Kind == HandlerEventSubscriber && kind != KindProjection {
		fail("event subscribers are allowed on projections only")
	}

	switch h.Kind {
	case HandlerEventApplier, HandlerEventSubscriber:
		if h.Apply == nil {
			fail("state transition function is missing")
		}
		if h.Emit != nil {
			fail("state transition handlers must not emit")
		}
	default:
		if h.Emit == nil {
			fail("emit function is missing")
		}
	}

	// A handler returning its own consumed class would loop signals straight
	// back into the event store.
	for _, produced := range h.Produces {
		if produced == h.Consumes {
			fail(fmt.Sprintf("handler consumes and produces %s", produced))
		}
	}

	if h.FilterValue != "" && h.FilterField == "" {
		fail("filter value set without a filter field")
	}
	if h.Exported {
		warn("handler entry points should not be exported")
	}
	return out
}

func containsParam(specs []ParamSpec, spec ParamSpec) bool {
	for _, s := range specs {
		if s == spec {
			return true
		}
	}
	return false
}

func containsReturn(specs []ReturnSpec, spec ReturnSpec) bool {
	for _, s := range specs {
		if s == spec {
			return true
		}
	}
	return false
}
