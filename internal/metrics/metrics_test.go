package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveShardCountsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(shardsTotal.WithLabelValues("split"))
	ObserveShard("split")
	ObserveShard("split")
	require.Equal(t, before+2, testutil.ToFloat64(shardsTotal.WithLabelValues("split")))
}

func TestObserveItemsIndexedIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(itemsIndexedTotal.WithLabelValues("authors"))
	ObserveItemsIndexed("authors", 0)
	ObserveItemsIndexed("authors", 3)
	require.Equal(t, before+3, testutil.ToFloat64(itemsIndexedTotal.WithLabelValues("authors")))
}

func TestSetIndexItems(t *testing.T) {
	SetIndexItems(42)
	require.Equal(t, float64(42), testutil.ToFloat64(indexItems))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveHostRequest("search", http.StatusOK, 20*time.Millisecond)
	ObserveCycle("succeeded")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "plugincrawler_host_requests_total")
	require.Contains(t, body, "plugincrawler_cycles_total")
}
