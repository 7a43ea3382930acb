package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRunMetrics(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("always_long", "completed"))

	RunStarted()
	if testutil.ToFloat64(runsActive) < 1 {
		t.Error("Expected an active run")
	}
	RunFinished("always_long", "completed", 50*time.Millisecond)
	RecordCandles("1h", 100)
	RecordClose("take-profit")

	if got := testutil.ToFloat64(runsTotal.WithLabelValues("always_long", "completed")); got != before+1 {
		t.Errorf("Expected %v completed runs, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(candlesProcessed.WithLabelValues("1h")); got < 100 {
		t.Errorf("Expected at least 100 candles, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordFault("sma_cross", "indicators")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "backtest_strategy_faults_total") {
		t.Error("Fault counter missing from /metrics output")
	}
}
