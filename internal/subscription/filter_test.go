package subscription

import (
	"encoding/json"
	"testing"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

func filterEvents() []eventlog.CommittedEvent {
	return []eventlog.CommittedEvent{
		{Sequence: 1, EventType: "a", Partition: "p1", Content: json.RawMessage(`{"amount":5}`)},
		{Sequence: 2, EventType: "b", Partition: "p2", Content: json.RawMessage(`{"amount":50}`)},
		{Sequence: 3, EventType: "a", Partition: "p2", Content: json.RawMessage(`{"amount":70}`), Public: true},
		{Sequence: 4, EventType: "c", Partition: "p1"},
	}
}

func sequencesOf(events []eventlog.CommittedEvent) []eventlog.SequenceNumber {
	out := make([]eventlog.SequenceNumber, 0, len(events))
	for _, event := range events {
		out = append(out, event.Sequence)
	}
	return out
}

func TestFilterKeepsOrderOfMatchingEvents(t *testing.T) {
	cases := []struct {
		name      string
		filter    Filter
		partition eventlog.PartitionID
		want      []eventlog.SequenceNumber
	}{
		{name: "empty passes all", want: []eventlog.SequenceNumber{1, 2, 3, 4}},
		{name: "types", filter: Filter{EventTypes: []string{"c", "a"}}, want: []eventlog.SequenceNumber{1, 3, 4}},
		{name: "expression", filter: Filter{Expression: `has(content.amount) && content.amount > 10`}, want: []eventlog.SequenceNumber{2, 3}},
		{name: "types and expression", filter: Filter{EventTypes: []string{"a"}, Expression: `content.amount > 10`}, want: []eventlog.SequenceNumber{3}},
		{name: "public flag", filter: Filter{Expression: `public`}, want: []eventlog.SequenceNumber{3}},
		{name: "partition", partition: "p1", want: []eventlog.SequenceNumber{1, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filter, err := compileFilter(tc.filter, tc.partition)
			if err != nil {
				t.Fatalf("compileFilter() error = %v", err)
			}
			got := sequencesOf(filter.apply(filterEvents()))
			if len(got) != len(tc.want) {
				t.Fatalf("sequences = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("sequences = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestFilterExpressionErrorsExcludeEvent(t *testing.T) {
	filter, err := compileFilter(Filter{Expression: `content.amount > 10`}, eventlog.Unpartitioned)
	if err != nil {
		t.Fatalf("compileFilter() error = %v", err)
	}
	// event 4 has no content, so the lookup fails at evaluation time.
	got := sequencesOf(filter.apply(filterEvents()))
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("sequences = %v", got)
	}
}

func TestFilterPushdownTypesAreSorted(t *testing.T) {
	filter, err := compileFilter(Filter{EventTypes: []string{"z", "a"}}, eventlog.Unpartitioned)
	if err != nil {
		t.Fatalf("compileFilter() error = %v", err)
	}
	types := filter.pushdownTypes()
	if len(types) != 2 || types[0] != "a" || types[1] != "z" {
		t.Fatalf("pushdownTypes() = %v", types)
	}
	if err := ValidateFilter(Filter{EventTypes: []string{" "}}); err == nil {
		t.Fatal("expected error for blank event type")
	}
}
