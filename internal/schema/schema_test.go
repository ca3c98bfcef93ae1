package schema

import (
	"testing"

	"github.com/louisbranch/signalmesh/internal/signal"
)

func TestValidateRequiredFields(t *testing.T) {
	registry := NewJSONRegistry(Descriptor{
		Class:    "type.test/calc.AddNumber",
		Required: []string{"calc_id", "value"},
	})

	ok := signal.NewPayload("type.test/calc.AddNumber", []byte(`{"calc_id":"calc-1","value":3}`))
	if violations := registry.Validate(ok); len(violations) != 0 {
		t.Fatalf("expected clean validation, got %v", violations)
	}

	missing := signal.NewPayload("type.test/calc.AddNumber", []byte(`{"value":3}`))
	violations := registry.Validate(missing)
	if len(violations) != 1 || violations[0].Field != "calc_id" {
		t.Fatalf("expected calc_id violation, got %v", violations)
	}
}

func TestValidateUnregisteredClassPasses(t *testing.T) {
	registry := NewJSONRegistry()
	payload := signal.NewPayload("type.test/unknown.Thing", []byte(`{"x":1}`))
	if violations := registry.Validate(payload); len(violations) != 0 {
		t.Fatalf("expected pass-through, got %v", violations)
	}
}

func TestValidateRejectsNonObjectPayload(t *testing.T) {
	registry := NewJSONRegistry()
	payload := signal.NewPayload("type.test/calc.AddNumber", []byte(`"nope"`))
	if violations := registry.Validate(payload); len(violations) == 0 {
		t.Fatal("expected violation for non-object payload")
	}
}

func TestFieldValue(t *testing.T) {
	registry := NewJSONRegistry()
	payload := signal.NewPayload("type.test/calc.AddNumber", []byte(`{"mode":"fast","value":3}`))

	value, ok := registry.FieldValue(payload, "mode")
	if !ok || value != "fast" {
		t.Fatalf("expected fast, got %q ok=%v", value, ok)
	}
	if _, ok := registry.FieldValue(payload, "missing"); ok {
		t.Fatal("expected missing field to report false")
	}
}

func TestFirstIDFieldPrefersDescriptor(t *testing.T) {
	registry := NewJSONRegistry(Descriptor{
		Class:    "type.test/calc.AddNumber",
		IDFields: []string{"calc_id"},
	})
	payload := signal.NewPayload("type.test/calc.AddNumber", []byte(`{"account_id":"a-1","calc_id":"calc-1"}`))

	value, ok := registry.FirstIDField(payload)
	if !ok || value != "calc-1" {
		t.Fatalf("expected declared id field calc-1, got %q", value)
	}
}

func TestFirstIDFieldFallsBackToLexicalScan(t *testing.T) {
	registry := NewJSONRegistry()
	payload := signal.NewPayload("type.test/orders.PlaceOrder", []byte(`{"customer_id":"c-1","order_id":"o-1"}`))

	value, ok := registry.FirstIDField(payload)
	if !ok || value != "c-1" {
		t.Fatalf("expected lexically first id field c-1, got %q", value)
	}
}
