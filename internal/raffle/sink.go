package raffle

import (
	"github.com/google/logger"

	"nft-raffle/internal/models"
)

// EventSink observes committed transitions together with the round snapshot
// after the transition. Publish must not block for long: it runs under the
// engine lock.
type EventSink interface {
	Publish(ev models.Event, round models.Round)
}

// Journal durably records a transition and the round snapshot it produces.
// The engine applies the transition only if Record succeeds.
type Journal interface {
	Record(ev models.Event, round models.Round) error
}

type nopJournal struct{}

func (nopJournal) Record(models.Event, models.Round) error { return nil }

// Sinks fans an event out to every sink in order.
type Sinks []EventSink

func (s Sinks) Publish(ev models.Event, round models.Round) {
	for _, sink := range s {
		sink.Publish(ev, round)
	}
}

// LogSink writes every event to the process log.
type LogSink struct{}

func (LogSink) Publish(ev models.Event, round models.Round) {
	logger.Infof("event #%d %s round=%d phase=%s payload=%+v", ev.Seq, ev.Type, ev.RoundID, round.Phase, ev.Payload)
}
