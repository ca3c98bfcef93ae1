package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/signalmesh/internal/delivery"
	"github.com/louisbranch/signalmesh/internal/signal"
	"github.com/louisbranch/signalmesh/internal/storage"
)

func eventAt(t *testing.T, id, producer string, n uint64, ts time.Time) signal.Signal {
	t.Helper()
	payload, err := signal.MarshalPayload("type.test/calc.NumberAdded", map[string]uint64{"n": n})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	evt := signal.NewEvent(payload, producer, signal.Version{Number: n, Timestamp: ts}, signal.Context{Timestamp: ts})
	evt.ID = id
	return evt
}

func TestEventStoreOrdersByTimestampThenID(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := store.Append(ctx,
		eventAt(t, "e-b", "p-1", 2, base),
		eventAt(t, "e-a", "p-1", 1, base),
		eventAt(t, "e-c", "p-1", 3, base.Add(-time.Second)),
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	var order []string
	if err := store.Read(ctx, storage.EventQuery{}, func(evt signal.Signal) error {
		order = append(order, evt.ID)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"e-c", "e-a", "e-b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", order, want)
		}
	}
}

func TestEventQueryFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	evt := eventAt(t, "e-1", "p-1", 1, base)

	cases := []struct {
		name string
		q    storage.EventQuery
		want bool
	}{
		{name: "empty query matches", q: storage.EventQuery{}, want: true},
		{name: "producer match", q: storage.EventQuery{ProducerID: "p-1"}, want: true},
		{name: "producer mismatch", q: storage.EventQuery{ProducerID: "p-2"}, want: false},
		{name: "type match", q: storage.EventQuery{EventTypes: []signal.Class{"type.test/calc.NumberAdded"}}, want: true},
		{name: "type mismatch", q: storage.EventQuery{EventTypes: []signal.Class{"type.test/other"}}, want: false},
		{name: "since inclusive", q: storage.EventQuery{Since: base}, want: true},
		{name: "until exclusive", q: storage.EventQuery{Until: base}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.q.Matches(evt); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRecordStorageNotFound(t *testing.T) {
	records := NewRecordStorage()
	_, err := records.Read(context.Background(), "acme", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFactorySharesEventStoreAndInbox(t *testing.T) {
	factory := NewFactory()
	ctx := context.Background()

	first, err := factory.CreateEventStore(ctx)
	if err != nil {
		t.Fatalf("create event store: %v", err)
	}
	second, err := factory.CreateEventStore(ctx)
	if err != nil {
		t.Fatalf("create event store again: %v", err)
	}
	if first != second {
		t.Fatal("expected one shared event store")
	}

	inboxA, err := factory.CreateInboxStorage(false)
	if err != nil {
		t.Fatalf("create inbox: %v", err)
	}
	inboxB, err := factory.CreateInboxStorage(true)
	if err != nil {
		t.Fatalf("create inbox again: %v", err)
	}
	if inboxA != inboxB {
		t.Fatal("expected one shared inbox")
	}
}

func TestInboxSweepRemovesExpiredOnly(t *testing.T) {
	inbox := NewInbox()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}

	sig := signal.NewCommand(signal.NewPayload("type.test/calc.AddNumber", []byte("{}")), signal.Context{})
	msg := delivery.InboxMessage{
		Shard: shard, Signal: sig, TargetID: "calc-1",
		TargetType: "type.test/calc.Calculator",
		Status:     delivery.StatusToDeliver, ReceivedAt: base,
	}
	if err := inbox.Write(ctx, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := inbox.MarkDelivered(ctx, shard, []string{sig.ID}, base.Add(time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if err := inbox.DeleteExpired(ctx, base.Add(30*time.Minute)); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	recent, err := inbox.DeliveredRecently(ctx, shard, []string{sig.ID})
	if err != nil {
		t.Fatalf("dedup lookup: %v", err)
	}
	if !recent[sig.ID] {
		t.Fatal("record swept before keep-until")
	}

	if err := inbox.DeleteExpired(ctx, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	recent, err = inbox.DeliveredRecently(ctx, shard, []string{sig.ID})
	if err != nil {
		t.Fatalf("dedup lookup: %v", err)
	}
	if recent[sig.ID] {
		t.Fatal("expected record swept")
	}
}
