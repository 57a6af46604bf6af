package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBacklog(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("run-1", RunPlanned, map[string]int{"n": i})
	}

	got := h.Since(0)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{got[0].ID, got[1].ID, got[2].ID})
	assert.JSONEq(t, `{"n":4}`, string(got[2].Data))
	assert.Equal(t, "run-1", got[2].RunID)

	assert.Len(t, h.Since(4), 1)
	assert.Empty(t, h.Since(5))
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish("run-1", RunStarted, nil)
	select {
	case ev := <-ch:
		assert.Equal(t, RunStarted, ev.Type)
		assert.Equal(t, json.RawMessage(`{}`), ev.Data)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	h.Publish("run-1", RunFinished, nil)
}

func TestHubUnencodableData(t *testing.T) {
	h := NewHub(1)
	h.Publish("", RunFailed, make(chan int))
	assert.JSONEq(t, `{}`, string(h.Since(0)[0].Data))
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish("r", ProblemFound, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
