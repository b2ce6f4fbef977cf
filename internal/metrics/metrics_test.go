package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestSessionGauges(t *testing.T) {
	m := New("relay")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SessionEvicted()

	body := scrape(t, m)
	assert.Contains(t, body, "relay_sessions_active 1")
	assert.Contains(t, body, "relay_sessions_total 2")
	assert.Contains(t, body, "relay_sessions_evicted_total 1")
}

func TestLabelledCounters(t *testing.T) {
	m := New("relay")
	m.EnvelopeReceived("message")
	m.EnvelopeReceived("message")
	m.ProtocolError()
	m.OperatorDispatch("error")
	m.WebhookUpdate("routed")

	body := scrape(t, m)
	assert.Contains(t, body, `relay_envelopes_received_total{type="message"} 2`)
	assert.Contains(t, body, "relay_protocol_errors_total 1")
	assert.Contains(t, body, `relay_operator_dispatch_total{result="error"} 1`)
	assert.Contains(t, body, `relay_webhook_updates_total{outcome="routed"} 1`)
}
