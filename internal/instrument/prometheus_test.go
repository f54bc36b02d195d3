package instrument

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstrument_Counters(t *testing.T) {
	before := testutil.ToFloat64(circuitsBuilt)
	CircuitBuilt(time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(circuitsBuilt))

	CircuitFailed("timeout")
	CircuitFailed("timeout")
	require.Equal(t, 2.0, testutil.ToFloat64(circuitFailures.WithLabelValues("timeout")))
}

func TestInstrument_Handler(t *testing.T) {
	StreamOpened()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "onion_streams_opened_total")
}
