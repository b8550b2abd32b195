package host

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithMetricsEndpointServesMetrics(t *testing.T) {
	broker := newFakeBroker()
	b := New("metrics-agent", broker, nil).WithMetricsEndpoint("127.0.0.1:19091")

	host, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Shutdown(context.Background()) })

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://127.0.0.1:19091/metrics")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
