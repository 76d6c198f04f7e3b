package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
)

func typingEvents(sink *events.RecordingSink) []*events.EventTypingChanged {
	ret := []*events.EventTypingChanged{}
	for _, e := range sink.OfType(events.EventTypeTypingChanged) {
		ret = append(ret, e.(*events.EventTypingChanged))
	}
	return ret
}

func TestBeginEnd(t *testing.T) {
	sink := &events.RecordingSink{}
	c := NewCoordinator(WithEventSink(sink))

	state, _ := c.State("c1")
	require.Equal(t, Idle, state)

	ticket, err := c.Begin("c1")
	require.NoError(t, err)
	state, changedAt := c.State("c1")
	require.Equal(t, AssistantComposing, state)
	require.False(t, changedAt.IsZero())
	require.True(t, c.Busy())

	_, err = c.Begin("c1")
	require.ErrorIs(t, err, conversation.ErrBusy)
	require.ErrorIs(t, err, conversation.ErrValidation)

	other, err := c.Begin("c2")
	require.NoError(t, err)
	other.End()

	ticket.End()
	ticket.End()
	state, _ = c.State("c1")
	require.Equal(t, Idle, state)
	require.False(t, c.Busy())

	evs := typingEvents(sink)
	require.Len(t, evs, 4)
	require.True(t, evs[0].Composing)
	require.False(t, evs[3].Composing)
	require.Equal(t, "c1", evs[3].Metadata().ConversationID)

	again, err := c.Begin("c1")
	require.NoError(t, err)
	again.End()
}

func TestTimeoutClearsIndicatorButKeepsTicket(t *testing.T) {
	sink := &events.RecordingSink{}
	c := NewCoordinator(WithEventSink(sink), WithTimeout(30*time.Millisecond))

	ticket, err := c.Begin("c1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := c.State("c1")
		return state == Idle
	}, time.Second, 5*time.Millisecond)

	evs := typingEvents(sink)
	require.True(t, evs[len(evs)-1].TimedOut)

	_, err = c.Begin("c1")
	require.ErrorIs(t, err, conversation.ErrBusy)

	ticket.Touch()
	state, _ := c.State("c1")
	require.Equal(t, AssistantComposing, state)

	ticket.End()
	state, _ = c.State("c1")
	require.Equal(t, Idle, state)
}

func TestTouchRearmsTimeout(t *testing.T) {
	c := NewCoordinator(WithTimeout(200 * time.Millisecond))
	ticket, err := c.Begin("c1")
	require.NoError(t, err)
	defer ticket.End()

	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		ticket.Touch()
		state, _ := c.State("c1")
		require.Equal(t, AssistantComposing, state)
	}
}

func TestClearReleasesTicket(t *testing.T) {
	c := NewCoordinator()
	ticket, err := c.Begin("c1")
	require.NoError(t, err)

	c.Clear("c1")
	state, _ := c.State("c1")
	require.Equal(t, Idle, state)

	next, err := c.Begin("c1")
	require.NoError(t, err)

	// the cleared ticket must not release the new one
	ticket.End()
	state, _ = c.State("c1")
	require.Equal(t, AssistantComposing, state)
	next.End()
}

func TestClockIsUsedForTransitions(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCoordinator(WithClock(func() time.Time { return fixed }))
	ticket, err := c.Begin("c1")
	require.NoError(t, err)
	_, changedAt := c.State("c1")
	require.Equal(t, fixed, changedAt)
	ticket.End()
}
