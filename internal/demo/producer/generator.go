package producer

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Event is the append payload for one demo event. Partition is the user, so
// each user's events stay ordered within a partitioned stream.
type Event struct {
	EventType   string         `json:"event_type"`
	EventSource string         `json:"event_source"`
	Partition   string         `json:"partition,omitempty"`
	Occurred    time.Time      `json:"occurred"`
	Content     map[string]any `json:"content"`
	Public      bool           `json:"public,omitempty"`
}

type Generator struct {
	rnd             *rand.Rand
	producerID      string
	userCardinality int
	publicRatio     float64
	sequence        int64
	now             func() time.Time
}

func NewGenerator(seed int64, producerID string, userCardinality int, publicRatio float64) *Generator {
	return &Generator{
		rnd:             rand.New(rand.NewSource(seed)),
		producerID:      producerID,
		userCardinality: userCardinality,
		publicRatio:     publicRatio,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) NextEvent() Event {
	g.sequence++
	occurred := g.now()
	eventType := g.pickEventType()
	userID := fmt.Sprintf("user-%04d", g.rnd.Intn(g.userCardinality)+1)

	return Event{
		EventType:   eventType,
		EventSource: g.producerID,
		Partition:   userID,
		Occurred:    occurred,
		Public:      g.rnd.Float64() < g.publicRatio,
		Content: map[string]any{
			"event_id":   fmt.Sprintf("%s-%020d", g.producerID, g.sequence),
			"user_id":    userID,
			"session_id": fmt.Sprintf("sess-%08x", g.rnd.Uint32()),
			"amount":     g.pickAmount(eventType),
			"currency":   "USD",
			"country":    pickOne(g.rnd, []string{"US", "DE", "GB", "IN", "JP", "BR"}),
			"device":     pickOne(g.rnd, []string{"desktop", "mobile", "tablet"}),
		},
	}
}

func (g *Generator) pickEventType() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 40:
		return "cart_updated"
	case p < 70:
		return "order_placed"
	case p < 85:
		return "payment_captured"
	case p < 97:
		return "order_shipped"
	default:
		return "order_refunded"
	}
}

func (g *Generator) pickAmount(eventType string) float64 {
	switch eventType {
	case "order_placed", "payment_captured":
		return round2(20 + g.rnd.Float64()*280)
	case "order_refunded":
		return round2(-(5 + g.rnd.Float64()*120))
	case "cart_updated":
		return round2(5 + g.rnd.Float64()*120)
	default:
		return 0
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
