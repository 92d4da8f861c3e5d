package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnAndEmitInvokeHandlerInRegistrationOrder(t *testing.T) {
	b := New(1024)

	var order []string
	b.On("prePublish", func(sessionID uint64, ctx map[string]string) {
		order = append(order, "first:"+ctx["channel"])
	})
	b.On("prePublish", func(sessionID uint64, ctx map[string]string) {
		order = append(order, "second:"+ctx["channel"])
	})

	b.Emit("prePublish", 7, map[string]string{"channel": "live/a"})

	require.Equal(t, []string{"first:live/a", "second:live/a"}, order)
}

func TestEmitWithNoHandlersIsANoop(t *testing.T) {
	b := New(1024)
	assert.NotPanics(t, func() {
		b.Emit("postPlay", 1, map[string]string{})
	})
}

func TestEmitOnlyFiresHandlersForTheNamedEvent(t *testing.T) {
	b := New(1024)

	var fired bool
	b.On("prePlay", func(sessionID uint64, ctx map[string]string) { fired = true })

	b.Emit("postPlay", 1, map[string]string{})

	assert.False(t, fired)
}

func TestUnsubscribeStopsFutureDeliveries(t *testing.T) {
	b := New(1024)

	calls := 0
	unsubscribe := b.On("donePublish", func(sessionID uint64, ctx map[string]string) { calls++ })

	b.Emit("donePublish", 1, map[string]string{})
	unsubscribe()
	b.Emit("donePublish", 1, map[string]string{})

	assert.Equal(t, 1, calls)
}

func TestEmitPassesSessionIDThrough(t *testing.T) {
	b := New(1024)

	var got uint64
	b.On("postConnect", func(sessionID uint64, ctx map[string]string) { got = sessionID })

	b.Emit("postConnect", 42, map[string]string{})

	assert.Equal(t, uint64(42), got)
}
