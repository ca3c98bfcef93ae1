package entity

import (
	"errors"
	"testing"

	"github.com/louisbranch/signalmesh/internal/signal"
)

func emitNothing(any, signal.Signal) (Output, error) { return Output{}, nil }
func applyNothing(state any, _ signal.Signal) (any, error) {
	return state, nil
}

func validCommandHandler() Handler {
	return Handler{
		Kind:     HandlerCommand,
		Name:     "handleAddNumber",
		Consumes: "type.test/calc.AddNumber",
		Params:   ParamsMessage,
		Returns:  ReturnsSingle,
		Produces: []signal.Class{"type.test/calc.NumberAdded"},
		Emit:     emitNothing,
	}
}

func TestCheckSignatures(t *testing.T) {
	cases := []struct {
		name     string
		kind     Kind
		mutate   func(*Handler)
		severity Severity
	}{
		{
			name:   "valid command handler",
			kind:   KindAggregate,
			mutate: func(*Handler) {},
		},
		{
			name:     "empty consumed class",
			kind:     KindAggregate,
			mutate:   func(h *Handler) { h.Consumes = "" },
			severity: SeverityError,
		},
		{
			name:     "command handler returning nothing",
			kind:     KindAggregate,
			mutate:   func(h *Handler) { h.Returns = ReturnsNothing },
			severity: SeverityError,
		},
		{
			name: "consumes equals produces",
			kind: KindAggregate,
			mutate: func(h *Handler) {
				h.Produces = []signal.Class{h.Consumes}
			},
			severity: SeverityError,
		},
		{
			name: "rejection param shape on command handler",
			kind: KindAggregate,
			mutate: func(h *Handler) {
				h.Params = ParamsRejectionMessageCommandContext
			},
			severity: SeverityError,
		},
		{
			name:     "missing emit function",
			kind:     KindAggregate,
			mutate:   func(h *Handler) { h.Emit = nil },
			severity: SeverityError,
		},
		{
			name:     "exported entry point",
			kind:     KindAggregate,
			mutate:   func(h *Handler) { h.Exported = true },
			severity: SeverityWarn,
		},
		{
			name:     "filter value without field",
			kind:     KindAggregate,
			mutate:   func(h *Handler) { h.FilterValue = "gm" },
			severity: SeverityError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := validCommandHandler()
			tc.mutate(&h)
			mismatches := Check(tc.kind, h)
			if tc.severity == "" {
				if len(mismatches) != 0 {
					t.Fatalf("expected clean check, got %v", mismatches)
				}
				return
			}
			if len(mismatches) == 0 {
				t.Fatal("expected mismatches")
			}
			found := false
			for _, m := range mismatches {
				if m.Severity == tc.severity {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected severity %s in %v", tc.severity, mismatches)
			}
		})
	}
}

func TestCheckApplierOnNonAggregate(t *testing.T) {
	h := Handler{
		Kind:     HandlerEventApplier,
		Name:     "applyNumberAdded",
		Consumes: "type.test/calc.NumberAdded",
		Params:   ParamsMessage,
		Returns:  ReturnsNothing,
		Apply:    applyNothing,
	}
	mismatches := Check(KindProjection, h)
	foundError := false
	for _, m := range mismatches {
		if m.Severity == SeverityError {
			foundError = true
		}
	}
	if !foundError {
		t.Fatalf("expected error for applier on projection, got %v", mismatches)
	}
}

func TestNewMapRejectsDuplicateHandlers(t *testing.T) {
	first := validCommandHandler()
	second := validCommandHandler()
	second.Name = "handleAddNumberAgain"

	_, _, err := NewMap(KindAggregate, first, second)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestNewMapAllowsSameClassDifferentFilterValues(t *testing.T) {
	first := validCommandHandler()
	first.FilterField = "mode"
	first.FilterValue = "fast"
	second := validCommandHandler()
	second.Name = "handleSlow"
	second.FilterField = "mode"
	second.FilterValue = "slow"

	m, warnings, err := NewMap(KindAggregate, first, second)
	if err != nil {
		t.Fatalf("new map: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	h, ok := m.HandlerFor("type.test/calc.AddNumber", func(field string) (string, bool) {
		if field == "mode" {
			return "slow", true
		}
		return "", false
	})
	if !ok {
		t.Fatal("expected filtered handler")
	}
	if h.Name != "handleSlow" {
		t.Fatalf("expected slow handler, got %s", h.Name)
	}
}

func TestNewMapRejectsInvalidHandler(t *testing.T) {
	h := validCommandHandler()
	h.Consumes = ""
	_, _, err := NewMap(KindAggregate, h)
	if !errors.Is(err, ErrInvalidHandler) {
		t.Fatalf("expected ErrInvalidHandler, got %v", err)
	}
}

func TestMapClassesByKind(t *testing.T) {
	cmd := validCommandHandler()
	applier := Handler{
		Kind:     HandlerEventApplier,
		Name:     "applyNumberAdded",
		Consumes: "type.test/calc.NumberAdded",
		Params:   ParamsMessage,
		Returns:  ReturnsNothing,
		Apply:    applyNothing,
	}
	m, _, err := NewMap(KindAggregate, cmd, applier)
	if err != nil {
		t.Fatalf("new map: %v", err)
	}

	classes := m.Classes(HandlerCommand)
	if len(classes) != 1 || classes[0] != "type.test/calc.AddNumber" {
		t.Fatalf("unexpected command classes: %v", classes)
	}
	all := m.Classes()
	if len(all) != 2 {
		t.Fatalf("expected 2 classes, got %v", all)
	}
}
