// Package notify carries per-document status events from the control plane
// to whichever server instance holds the reader's WebSocket, over Redis
// pubsub. One channel exists per (user, document) pair; within a channel,
// delivery order matches publish order.
//
// Pubsub is fire-and-forget: events published while no gateway is
// subscribed are dropped, which is the correct behaviour — nobody is
// listening for them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// channel returns the pubsub channel for a reader's document.
func channel(userID, documentID string) string {
	return "tts:events:" + userID + ":" + documentID
}

// Publisher publishes status events for readers.
type Publisher struct {
	rdb redis.UniversalClient
}

// NewPublisher creates a Publisher on the given Redis client.
func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish marshals v and publishes it on the (user, document) channel.
func (p *Publisher) Publish(ctx context.Context, userID, documentID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, channel(userID, documentID), body).Err(); err != nil {
		return fmt.Errorf("notify: publish %s/%s: %w", userID, documentID, err)
	}
	return nil
}

// Subscriber opens per-document event streams.
type Subscriber struct {
	rdb redis.UniversalClient
}

// NewSubscriber creates a Subscriber on the given Redis client.
func NewSubscriber(rdb redis.UniversalClient) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Subscribe opens the event stream for one (user, document) channel. The
// subscription is confirmed on the wire before Subscribe returns, so any
// event published afterwards is delivered. Close the stream when the
// reader's socket goes away.
func (s *Subscriber) Subscribe(ctx context.Context, userID, documentID string) (*Stream, error) {
	ps := s.rdb.Subscribe(ctx, channel(userID, documentID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("notify: subscribe %s/%s: %w", userID, documentID, err)
	}
	st := &Stream{
		ps:   ps,
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go st.pump()
	return st, nil
}

// Stream is one document's ordered event feed.
type Stream struct {
	ps        *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the payload feed. The channel closes when the stream is
// closed or the Redis connection drops.
func (st *Stream) Events() <-chan []byte {
	return st.out
}

// Close tears the subscription down and ends the Events channel.
func (st *Stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	return st.ps.Close()
}

func (st *Stream) pump() {
	defer close(st.out)
	in := st.ps.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case st.out <- []byte(msg.Payload):
			case <-st.done:
				return
			}
		case <-st.done:
			return
		}
	}
}
