package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvadmin/internal/models"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()

	ch1, cancel1 := hub.Subscribe("j1")
	ch2, cancel2 := hub.Subscribe("j1")
	other, cancelOther := hub.Subscribe("j2")
	defer cancelOther()

	assert.Equal(t, 2, hub.Subscribers("j1"))

	hub.Publish(models.ProgressUpdate{JobID: "j1", Processed: 10})

	u := <-ch1
	assert.Equal(t, 10, u.Processed)
	u = <-ch2
	assert.Equal(t, 10, u.Processed)

	select {
	case got := <-other:
		t.Fatalf("update for j1 leaked to j2 subscriber: %+v", got)
	default:
	}

	cancel1()
	cancel1() // idempotent
	assert.Equal(t, 1, hub.Subscribers("j1"))

	// The cancelled channel is closed so range loops over it terminate.
	_, open := <-ch1
	assert.False(t, open)

	cancel2()
	assert.Equal(t, 0, hub.Subscribers("j1"))
}

func TestHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe("j1")
	defer cancel()

	// Nobody reads; publishing past the buffer must not block.
	for i := 0; i < subscriberBuffer+8; i++ {
		hub.Publish(models.ProgressUpdate{JobID: "j1", Processed: i})
	}

	// The buffer holds the oldest frames, newer ones were dropped.
	first := <-ch
	require.Equal(t, 0, first.Processed)
	drained := 1
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, subscriberBuffer, drained)
			return
		}
	}
}
