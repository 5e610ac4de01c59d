package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/relay/common/models"
)

// GeneratorConfig controls fake event generation.
type GeneratorConfig struct {
	Count     int
	Seed      int64
	Interval  time.Duration
	SessionID string
	// AnonymousRate is the fraction of events emitted without a logical id,
	// leaving identity to ingestion.
	AnonymousRate float64
}

// Generator emits fake resolution messages.
type Generator struct {
	cfg   GeneratorConfig
	faker *gofakeit.Faker
	now   func() time.Time
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{cfg: cfg, faker: gofakeit.New(seed), now: time.Now}
}

var channels = []string{"#ops", "#support", "#billing", "#incidents", "#platform"}

// Next builds one event.
func (g *Generator) Next() models.RawEvent {
	f := g.faker
	ev := models.RawEvent{
		Payload: models.Payload{
			Author:  f.Username(),
			Channel: f.RandomString(channels),
			Text:    f.HackerPhrase(),
		},
	}
	if f.Float64Range(0, 1) >= g.cfg.AnonymousRate {
		ev.LogicalID = "seed-" + f.UUID()
	}
	if f.Bool() {
		ev.Payload.Quoted = f.Sentence(8)
	}
	ticket, _ := json.Marshal(map[string]any{
		"id":       f.Number(1000, 99999),
		"priority": f.RandomString([]string{"low", "medium", "high"}),
	})
	ev.Payload.Extensions = map[string]json.RawMessage{"ticket": ticket}

	stamp(&ev, g.cfg.SessionID, g.now())
	return ev
}

func (g *Generator) Run(ctx context.Context, emit Emit) (Summary, error) {
	var sum Summary
	for i := 0; i < g.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		emit(g.Next())
		sum.Emitted++

		if g.cfg.Interval > 0 && i < g.cfg.Count-1 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(g.cfg.Interval):
			}
		}
	}
	return sum, nil
}
