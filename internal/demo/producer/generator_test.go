package producer

import (
	"reflect"
	"testing"
	"time"
)

func TestGeneratorDeterministicForSeed(t *testing.T) {
	fixedNow := time.Date(2026, 2, 19, 7, 30, 0, 0, time.UTC)

	g1 := NewGenerator(42, "producer-a", 10, 0.2)
	g2 := NewGenerator(42, "producer-a", 10, 0.2)
	g1.now = func() time.Time { return fixedNow }
	g2.now = func() time.Time { return fixedNow }

	for i := 0; i < 5; i++ {
		e1 := g1.NextEvent()
		e2 := g2.NextEvent()
		if !reflect.DeepEqual(e1, e2) {
			t.Fatalf("event %d differs: %#v vs %#v", i, e1, e2)
		}
	}
}

func TestGeneratorPartitionsByUser(t *testing.T) {
	g := NewGenerator(99, "producer-b", 5, 0)
	g.now = func() time.Time { return time.Unix(0, 0).UTC() }

	seen := map[string]struct{}{}
	for i := 1; i <= 50; i++ {
		event := g.NextEvent()
		if event.Partition != event.Content["user_id"] {
			t.Fatalf("partition %q does not match user %v", event.Partition, event.Content["user_id"])
		}
		if event.Public {
			t.Fatal("public ratio 0 produced a public event")
		}
		if event.EventSource != "producer-b" {
			t.Fatalf("event_source = %q", event.EventSource)
		}
		id, _ := event.Content["event_id"].(string)
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate event id: %s", id)
		}
		seen[id] = struct{}{}
	}
}
