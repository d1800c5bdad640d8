// Package broadcast publishes domain events to a Redis pub/sub channel so
// out-of-process consumers (live dashboards, bid tickers) can follow the
// auction in real time.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudx-io/openescrow/auction"
	"github.com/cloudx-io/openescrow/escrowapi"
)

const (
	publishTimeout = 5 * time.Second
	queueSize      = 256
)

// Publisher is an auction.Sink that mirrors every event onto a Redis channel.
// Publish only enqueues; a dedicated goroutine performs the network round
// trip, so the auction operation that produced the event never waits on
// Redis. Delivery is best effort: a full queue drops the event and a publish
// failure is logged, never surfaced.
type Publisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger

	queue chan escrowapi.EventMessage
	done  chan struct{}
}

// NewPublisher connects to Redis, verifies the connection, and starts the
// delivery goroutine.
func NewPublisher(addr, password string, db int, channel string, log *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	p := &Publisher{
		client:  client,
		channel: channel,
		log:     log,
		queue:   make(chan escrowapi.EventMessage, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Publish implements auction.Sink.
func (p *Publisher) Publish(evt auction.Event) {
	msg := escrowapi.EventMessage{
		ID:     evt.ID,
		Type:   string(evt.Type),
		Actor:  evt.Actor,
		Amount: escrowapi.FormatAmount(evt.Amount),
		Reason: evt.Reason,
		At:     evt.At,
	}
	select {
	case p.queue <- msg:
	default:
		p.log.Warn("broadcast queue full, dropping event", zap.String("event", msg.Type))
	}
}

func (p *Publisher) run() {
	for {
		select {
		case msg := <-p.queue:
			p.send(msg)
		case <-p.done:
			return
		}
	}
}

func (p *Publisher) send(msg escrowapi.EventMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("failed to marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Warn("failed to publish event to Redis",
			zap.String("event", msg.Type), zap.Error(err))
	}
}

// Close stops the delivery goroutine and releases the Redis connection.
// Events still queued are discarded.
func (p *Publisher) Close() error {
	close(p.done)
	return p.client.Close()
}
