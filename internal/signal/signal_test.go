package signal

import (
	"errors"
	"testing"
	"time"
)

func TestEncloseRejectsDefaultPayload(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
	}{
		{name: "nil payload", sig: Signal{ID: "s-1", Kind: KindCommand}},
		{name: "empty type url", sig: Signal{ID: "s-2", Kind: KindCommand, Payload: NewPayload("", []byte("{}"))}},
		{name: "empty value", sig: Signal{ID: "s-3", Kind: KindCommand, Payload: NewPayload("type.test/calc.AddNumber", nil)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Enclose(tc.sig)
			if !errors.Is(err, ErrDefaultPayload) {
				t.Fatalf("expected ErrDefaultPayload, got %v", err)
			}
		})
	}
}

func TestEncloseRejectsMissingID(t *testing.T) {
	sig := Signal{Kind: KindCommand, Payload: NewPayload("type.test/calc.AddNumber", []byte("{}"))}
	_, err := Enclose(sig)
	if !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestEnvelopeAccessors(t *testing.T) {
	payload, err := MarshalPayload("type.test/calc.AddNumber", map[string]int{"value": 3})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sig := NewCommand(payload, Context{TenantID: "acme", ActorID: "actor-1"})
	env, err := Enclose(sig)
	if err != nil {
		t.Fatalf("enclose: %v", err)
	}
	if env.MessageClass() != "type.test/calc.AddNumber" {
		t.Fatalf("unexpected class %q", env.MessageClass())
	}
	if env.TenantID() != "acme" {
		t.Fatalf("unexpected tenant %q", env.TenantID())
	}
	if env.External() {
		t.Fatal("expected local signal")
	}
	if env.OriginID() != "" {
		t.Fatalf("expected root command, got origin %q", env.OriginID())
	}
}

func TestChildContextFromCommand(t *testing.T) {
	payload := NewPayload("type.test/calc.AddNumber", []byte("{}"))
	cmd := NewCommand(payload, Context{ActorID: "actor-1", TenantID: "acme"})

	child := ChildContext(cmd)
	if child.ParentCommandID != cmd.ID {
		t.Fatalf("expected parent command %q, got %q", cmd.ID, child.ParentCommandID)
	}
	if child.ParentEventID != "" {
		t.Fatal("expected no parent event")
	}
	if child.ActorID != "actor-1" || child.TenantID != "acme" {
		t.Fatalf("expected actor and tenant to propagate, got %+v", child)
	}
	if child.IsRoot() {
		t.Fatal("child context must not be root")
	}
}

func TestChildContextFromEventKeepsRootCommand(t *testing.T) {
	payload := NewPayload("type.test/calc.NumberAdded", []byte("{}"))
	cmd := NewCommand(NewPayload("type.test/calc.AddNumber", []byte("{}")), Context{})
	evt := NewEvent(payload, "calc-1", NewVersion(1), ChildContext(cmd))

	child := ChildContext(evt)
	if child.ParentEventID != evt.ID {
		t.Fatalf("expected parent event %q, got %q", evt.ID, child.ParentEventID)
	}
	if child.ParentCommandID != cmd.ID {
		t.Fatalf("expected root command %q to carry over, got %q", cmd.ID, child.ParentCommandID)
	}
}

func TestVersionAfter(t *testing.T) {
	v1 := NewVersion(1)
	v2 := NewVersion(2)
	if !v2.After(v1) {
		t.Fatal("expected v2 after v1")
	}
	if v1.After(v2) {
		t.Fatal("expected v1 not after v2")
	}
	if (Version{}).After(Version{}) {
		t.Fatal("zero version must not supersede itself")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	payload, err := MarshalPayload("type.test/calc.NumberAdded", map[string]int{"value": 7})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ctx := Context{
		ParentCommandID: "cmd-1",
		ActorID:         "actor-1",
		TenantID:        "acme",
		External:        true,
		Timestamp:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	original := NewEvent(payload, "calc-1", Version{Number: 4, Timestamp: ctx.Timestamp}, ctx)

	raw, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal signal: %v", err)
	}
	restored, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal signal: %v", err)
	}
	if restored.ID != original.ID {
		t.Fatalf("id mismatch: %q vs %q", restored.ID, original.ID)
	}
	if restored.Class() != original.Class() {
		t.Fatalf("class mismatch: %q vs %q", restored.Class(), original.Class())
	}
	if restored.ProducerID != "calc-1" {
		t.Fatalf("producer mismatch: %q", restored.ProducerID)
	}
	if restored.Version.Number != 4 {
		t.Fatalf("version mismatch: %d", restored.Version.Number)
	}
	if !restored.Context.External {
		t.Fatal("external bit lost")
	}
	if !restored.Context.Timestamp.Equal(ctx.Timestamp) {
		t.Fatalf("timestamp mismatch: %v", restored.Context.Timestamp)
	}
	var decoded map[string]int
	if err := UnmarshalPayload(restored.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["value"] != 7 {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}
