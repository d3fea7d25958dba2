package track

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edvlasov/dispatchd/internal/campaign"
)

// EventSink is where events leave the process; pkg/rmq.Publisher satisfies it.
type EventSink interface {
	PublishJSON(ctx context.Context, body []byte) error
}

// Publisher fans campaign events out to in-process subscribers and, when a
// broker is configured, to the events queue. It never mutates engine state
// and never blocks a counter update: slow subscribers lose events.
type Publisher struct {
	log  *zap.SugaredLogger
	sink EventSink

	mu   sync.Mutex
	subs map[int]chan campaign.Event
	next int
}

func NewPublisher(sink EventSink, log *zap.SugaredLogger) *Publisher {
	return &Publisher{log: log, sink: sink, subs: make(map[int]chan campaign.Event)}
}

// Subscribe registers an observer. The returned cancel func must be called
// to release the channel.
func (p *Publisher) Subscribe(buf int) (<-chan campaign.Event, func()) {
	if buf < 1 {
		buf = 16
	}
	ch := make(chan campaign.Event, buf)
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
		p.mu.Unlock()
	}
}

func (p *Publisher) Publish(ev campaign.Event) {
	p.mu.Lock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	p.mu.Unlock()

	if p.sink == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Errorw("event_marshal_error", "campaign_id", ev.CampaignID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sink.PublishJSON(ctx, body); err != nil {
		p.log.Warnw("event_publish_error", "campaign_id", ev.CampaignID, "error", err)
	}
}
