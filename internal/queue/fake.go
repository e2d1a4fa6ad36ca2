package queue

import (
	"context"
	"sync"
	"time"
)

// Published is one message captured by the fake queue.
type Published struct {
	Topic     string
	Body      []byte
	Timestamp time.Time
}

// Fake is an in-memory Publisher with per-delivery ack tracking, used by the
// handler and worker tests.
type Fake struct {
	mu        sync.Mutex
	published []Published
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Publish(ctx context.Context, topic string, body []byte, submitted time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, Published{Topic: topic, Body: body, Timestamp: submitted})
	return nil
}

// Published returns all captured messages in publish order.
func (f *Fake) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.published))
	copy(out, f.published)
	return out
}

// PublishedTo returns the captured messages for one topic.
func (f *Fake) PublishedTo(topic string) []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Published
	for _, p := range f.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// FakeDelivery wraps a message body in a Delivery that records whether it was
// acked or nacked.
type FakeDelivery struct {
	delivery *Delivery
	mu       sync.Mutex
	acked    bool
	nacked   bool
}

func NewFakeDelivery(body []byte, submitted time.Time) *FakeDelivery {
	fd := &FakeDelivery{}
	fd.delivery = &Delivery{
		Body:      body,
		Timestamp: submitted,
		ack: func() {
			fd.mu.Lock()
			fd.acked = true
			fd.mu.Unlock()
		},
		nack: func() {
			fd.mu.Lock()
			fd.nacked = true
			fd.mu.Unlock()
		},
	}
	return fd
}

func (fd *FakeDelivery) Delivery() *Delivery {
	return fd.delivery
}

func (fd *FakeDelivery) Acked() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.acked
}

func (fd *FakeDelivery) Nacked() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.nacked
}
