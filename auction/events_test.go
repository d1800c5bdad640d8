package auction

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestMultiSink_FansOutInOrder(t *testing.T) {
	var got []string
	first := SinkFunc(func(evt Event) { got = append(got, "first:"+string(evt.Type)) })
	second := SinkFunc(func(evt Event) { got = append(got, "second:"+string(evt.Type)) })

	MultiSink{first, second}.Publish(Event{Type: EventBidAccepted})

	check.Equal(t, []string{"first:bid_accepted", "second:bid_accepted"}, got)
}

func TestEmit_PopulatesEventFields(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	check.Equal(t, 1, len(f.events.events))

	evt := f.events.events[0]
	check.Equal(t, EventAuctionStarted, evt.Type)
	check.Equal(t, testOperator, evt.Actor)
	check.Equal(t, uint64(1_000_000), evt.Amount)
	check.True(t, evt.ID != "")
	check.Equal(t, f.clock.Now(), evt.At)
	check.True(t, evt.Reason != "")
}
