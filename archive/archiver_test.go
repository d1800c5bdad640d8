package archive

import (
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"go.uber.org/zap"

	"github.com/cloudx-io/openescrow/auction"
)

func TestNewRecord_CarriesEventFields(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	evt := auction.Event{
		ID:     "evt-1",
		Type:   auction.EventRefundIssued,
		Actor:  "bidder_a",
		Amount: 1_029_000,
		Reason: "settled balance of 1050000, commission 21000",
		At:     at,
	}

	rec := newRecord(evt)
	check.Equal(t, "evt-1", rec.ID)
	check.Equal(t, string(auction.EventRefundIssued), rec.Type)
	check.Equal(t, uint64(1_029_000), rec.Amount)

	// Records must survive the CBOR encoding used on the wire.
	payload, err := cbor.Marshal(rec)
	assert.Nil(t, err)

	var decoded Record
	assert.Nil(t, cbor.Unmarshal(payload, &decoded))
	check.Equal(t, rec.ID, decoded.ID)
	check.Equal(t, rec.Amount, decoded.Amount)
	check.True(t, rec.At.Equal(decoded.At))
}

func TestPublish_NeverBlocksCaller(t *testing.T) {
	// No drain goroutine running, so the queue is observable.
	a := &Archiver{
		log:   zap.NewNop(),
		queue: make(chan Record, 2),
		done:  make(chan struct{}),
	}

	// Every call past capacity must drop and return instead of waiting on
	// the JetStream acknowledgment.
	for i := 0; i < 10; i++ {
		a.Publish(auction.Event{ID: fmt.Sprintf("evt-%d", i), Type: auction.EventBidAccepted})
	}
	check.Equal(t, 2, len(a.queue))
}
