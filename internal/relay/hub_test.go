package relay

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/shopassist/internal/observability"
	"github.com/ent0n29/shopassist/internal/protocol"
)

func TestNewHubRejectsWildcardAndBadOrigins(t *testing.T) {
	for _, origin := range []string{"*", "", "localhost:8000", "ftp://host", "http://*.shop.test", "http://shop.test/path", "http://u:p@shop.test"} {
		_, err := NewHub(origin, nil)
		assert.ErrorIs(t, err, ErrOriginNotAllowed, "origin %q", origin)
	}
	h, err := NewHub("http://localhost:8000/", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", h.Origin())
}

func TestSubscribeRequiresExactOrigin(t *testing.T) {
	h, err := NewHub("https://shop.test", nil)
	require.NoError(t, err)

	for _, origin := range []string{"*", "https://evil.test", "http://shop.test", "https://shop.test:8443"} {
		_, _, err := h.Subscribe(origin)
		assert.ErrorIs(t, err, ErrOriginNotAllowed, "origin %q", origin)
	}
	_, cancel, err := h.Subscribe("https://shop.test")
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, 1, h.Subscribers())
}

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	h, err := NewHub("https://shop.test", m)
	require.NoError(t, err)
	h.buffer = 1

	a, cancelA, err := h.Subscribe("https://shop.test")
	require.NoError(t, err)
	defer cancelA()
	b, cancelB, err := h.Subscribe("https://shop.test")
	require.NoError(t, err)

	msg := protocol.RelayMessage{Type: protocol.RelayShowShipping}
	h.Publish(msg)
	h.Publish(msg)

	assert.Equal(t, msg.Type, (<-a).Type)
	assert.Equal(t, msg.Type, (<-b).Type)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayMessages.WithLabelValues(protocol.RelayShowShipping, "delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayMessages.WithLabelValues(protocol.RelayShowShipping, "dropped")))

	cancelB()
	cancelB()
	_, open := <-b
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h, err := NewHub("https://shop.test", nil)
	require.NoError(t, err)
	h.Publish(protocol.RelayMessage{Type: protocol.RelaySetTheme})
}
