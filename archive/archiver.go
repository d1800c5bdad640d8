// Package archive persists domain events to a NATS JetStream stream for
// audit. Records are CBOR-encoded; the stream is the system's durable audit
// trail, so publishes wait for the server acknowledgment.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/cloudx-io/openescrow/auction"
)

const (
	streamName     = "ESCROW_EVENTS"
	subjectPrefix  = "escrow.events"
	publishTimeout = 5 * time.Second
	queueSize      = 256
)

// Record is the archived form of a domain event.
type Record struct {
	ID     string    `cbor:"id"`
	Type   string    `cbor:"type"`
	Actor  string    `cbor:"actor,omitempty"`
	Amount uint64    `cbor:"amount"`
	Reason string    `cbor:"reason"`
	At     time.Time `cbor:"at"`
}

// Archiver is an auction.Sink that writes every event to JetStream. Publish
// only enqueues; a dedicated goroutine waits for the server acknowledgment,
// so the auction operation that produced the event never waits on NATS.
type Archiver struct {
	js  jetstream.JetStream
	log *zap.Logger

	queue chan Record
	done  chan struct{}
}

// NewArchiver builds the JetStream context and ensures the audit stream
// exists.
func NewArchiver(conn *nats.Conn, log *zap.Logger) (*Archiver, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Durable audit trail of escrow auction events",
		Subjects:    []string{subjectPrefix + ".*"},
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}

	a := &Archiver{
		js:    js,
		log:   log,
		queue: make(chan Record, queueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Publish implements auction.Sink. Archival failures are logged, not
// surfaced: the auction's write path never depends on the audit trail. A full
// queue drops the event.
func (a *Archiver) Publish(evt auction.Event) {
	select {
	case a.queue <- newRecord(evt):
	default:
		a.log.Warn("archive queue full, dropping event", zap.String("event", string(evt.Type)))
	}
}

func (a *Archiver) run() {
	for {
		select {
		case rec := <-a.queue:
			a.archive(rec)
		case <-a.done:
			return
		}
	}
}

func (a *Archiver) archive(rec Record) {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		a.log.Warn("failed to encode event record", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	subject := fmt.Sprintf("%s.%s", subjectPrefix, rec.Type)
	ack, err := a.js.Publish(ctx, subject, payload)
	if err != nil {
		a.log.Warn("failed to archive event",
			zap.String("event", rec.Type), zap.Error(err))
		return
	}
	a.log.Debug("event archived",
		zap.String("subject", subject), zap.Uint64("seq", ack.Sequence))
}

// Close stops the archival goroutine. Records still queued are discarded;
// the NATS connection is owned by the caller.
func (a *Archiver) Close() {
	close(a.done)
}

func newRecord(evt auction.Event) Record {
	return Record{
		ID:     evt.ID,
		Type:   string(evt.Type),
		Actor:  evt.Actor,
		Amount: evt.Amount,
		Reason: evt.Reason,
		At:     evt.At,
	}
}
