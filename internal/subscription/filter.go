package subscription

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/ledgerline/ledgerline/internal/eventlog"
)

// Filter selects the events a subscription receives. An empty filter passes
// everything.
type Filter struct {
	EventTypes []string `json:"event_types,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

type predicate struct {
	types     map[string]struct{}
	partition eventlog.PartitionID
	program   cel.Program
}

func compileFilter(filter Filter, partition eventlog.PartitionID) (*predicate, error) {
	p := &predicate{partition: partition}
	if len(filter.EventTypes) > 0 {
		p.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, eventType := range filter.EventTypes {
			eventType = strings.TrimSpace(eventType)
			if eventType == "" {
				return nil, fmt.Errorf("event type filter contains an empty entry")
			}
			p.types[eventType] = struct{}{}
		}
	}

	expr := strings.TrimSpace(filter.Expression)
	if expr == "" {
		return p, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("sequence", cel.IntType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("event_source", cel.StringType),
		cel.Variable("partition", cel.StringType),
		cel.Variable("public", cel.BoolType),
		cel.Variable("occurred_ms", cel.IntType),
		cel.Variable("content", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create filter environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter expression: %w", iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter expression must evaluate to bool, got %s", out)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter program: %w", err)
	}
	p.program = program
	return p, nil
}

// pushdownTypes are the event types the log can filter on before returning rows.
func (p *predicate) pushdownTypes() []string {
	if len(p.types) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.types))
	for eventType := range p.types {
		out = append(out, eventType)
	}
	slices.Sort(out)
	return out
}

func (p *predicate) match(event eventlog.CommittedEvent) bool {
	if p.partition != eventlog.Unpartitioned && event.Partition != p.partition {
		return false
	}
	if p.types != nil {
		if _, ok := p.types[event.EventType]; !ok {
			return false
		}
	}
	if p.program == nil {
		return true
	}
	var content any
	if len(event.Content) > 0 {
		_ = json.Unmarshal(event.Content, &content)
	}
	out, _, err := p.program.Eval(map[string]any{
		"sequence":     int64(event.Sequence),
		"event_type":   event.EventType,
		"event_source": event.EventSource,
		"partition":    string(event.Partition),
		"public":       event.Public,
		"occurred_ms":  event.Occurred.UnixMilli(),
		"content":      content,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// apply keeps matching events in their original order.
func (p *predicate) apply(events []eventlog.CommittedEvent) []eventlog.CommittedEvent {
	out := make([]eventlog.CommittedEvent, 0, len(events))
	for _, event := range events {
		if p.match(event) {
			out = append(out, event)
		}
	}
	return out
}

func ValidateFilter(filter Filter) error {
	_, err := compileFilter(filter, eventlog.Unpartitioned)
	return err
}
