// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/api"
	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/indicator"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

func testPair() types.Pair {
	return types.Pair{
		Exchange:       "binance",
		Ticker:         "BTCUSDT",
		Kind:           types.MarketSpot,
		Timeframe:      types.Timeframe1h,
		Quote:          types.CurrencyUSDT,
		Strategy:       "always_long",
		BacktestDays:   2,
		InitialBalance: decimal.NewFromInt(1000),
	}
}

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	store := data.NewMemoryStore()
	candles := make([]types.Candle, 48)
	start := testNow.Add(-48 * time.Hour)
	for i := range candles {
		candles[i] = types.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour).Unix(),
			Open:     decimal.NewFromInt(100),
			High:     decimal.NewFromInt(100),
			Low:      decimal.NewFromInt(100),
			Close:    decimal.NewFromInt(100),
			Volume:   decimal.NewFromInt(10),
		}
	}
	if _, err := store.SaveCandles(context.Background(), testPair().Key(), candles); err != nil {
		t.Fatalf("Failed to seed candles: %v", err)
	}

	runner := backtester.NewRunner(logger, store, strategy.NewStrategyRegistry(logger), indicator.NewRegistry(), backtester.DefaultOptions())

	// distinct run ids per submission
	var tick atomic.Int64
	clock := func() time.Time { return testNow.Add(time.Duration(tick.Add(1))) }

	server := api.NewServer(logger, api.Config{AllowedOrigins: []string{"*"}}, runner, api.WithClock(clock))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	})
	return server, ts
}

func submit(t *testing.T, ts *httptest.Server, pair types.Pair) (int, map[string]interface{}) {
	t.Helper()
	body, _ := json.Marshal(pair)
	resp, err := http.Post(ts.URL+"/api/v1/backtests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Backtest submit failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode, result
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode, result
}

// waitFinished polls the backtest until it leaves the running state
func waitFinished(t *testing.T, ts *httptest.Server, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, state := getJSON(t, ts.URL+"/api/v1/backtests/"+id)
		if state["status"] != api.StateRunning {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Backtest %s did not finish", id)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	code, result := getJSON(t, ts.URL+"/health")
	if code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
}

func TestStrategiesEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	code, result := getJSON(t, ts.URL+"/api/v1/strategies")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	list, ok := result["strategies"].([]interface{})
	if !ok || len(list) == 0 {
		t.Fatalf("Expected registered strategies, got %v", result["strategies"])
	}
	found := false
	for _, s := range list {
		if desc, ok := s.(map[string]interface{}); ok && desc["name"] == "always_long" {
			found = true
		}
	}
	if !found {
		t.Error("always_long missing from strategy list")
	}
}

func TestBacktestLifecycle(t *testing.T) {
	_, ts := setupTestServer(t)

	code, result := submit(t, ts, testPair())
	if code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %v", code, result)
	}
	id, _ := result["id"].(string)
	if id == "" {
		t.Fatal("Response missing backtest ID")
	}

	state := waitFinished(t, ts, id)
	if state["status"] != string(types.RunCompleted) {
		t.Fatalf("Expected completed run, got %v", state)
	}
	if state["progress"].(float64) != 100 {
		t.Errorf("Expected progress 100, got %v", state["progress"])
	}

	code, positions := getJSON(t, ts.URL+"/api/v1/backtests/"+id+"/positions")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200 for positions, got %d", code)
	}
	if positions["count"].(float64) != 1 {
		t.Errorf("Expected one position, got %v", positions["count"])
	}

	code, balance := getJSON(t, ts.URL+"/api/v1/backtests/"+id+"/balance")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200 for balance, got %d", code)
	}
	if balance["count"].(float64) == 0 {
		t.Error("Expected balance samples")
	}

	code, _ = getJSON(t, ts.URL+"/api/v1/backtests")
	if code != http.StatusOK {
		t.Errorf("Expected status 200 for list, got %d", code)
	}
}

func TestBacktestRejectsInvalidPairs(t *testing.T) {
	_, ts := setupTestServer(t)

	pair := testPair()
	pair.Strategy = "missing"
	if code, _ := submit(t, ts, pair); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown strategy, got %d", code)
	}

	pair = testPair()
	pair.BacktestDays = 0
	if code, _ := submit(t, ts, pair); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid pair, got %d", code)
	}

	resp, err := http.Post(ts.URL+"/api/v1/backtests", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestBacktestWithoutHistoryFails(t *testing.T) {
	_, ts := setupTestServer(t)

	pair := testPair()
	pair.Ticker = "ETHUSDT"
	_, result := submit(t, ts, pair)
	id := result["id"].(string)

	state := waitFinished(t, ts, id)
	if state["status"] != api.StateFailed {
		t.Errorf("Expected failed run, got %v", state["status"])
	}
	if code, _ := getJSON(t, ts.URL+"/api/v1/backtests/"+id+"/positions"); code != http.StatusNotFound {
		t.Errorf("Expected 404 for positions of a failed run, got %d", code)
	}
}

func TestUnknownBacktest(t *testing.T) {
	_, ts := setupTestServer(t)

	if code, _ := getJSON(t, ts.URL+"/api/v1/backtests/nope"); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
	resp, err := http.Post(ts.URL+"/api/v1/backtests/nope/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for cancel, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + ts.URL[4:] + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v (response: %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketPing(t *testing.T) {
	_, ts := setupTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypePing, ID: "test-ping-1"}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var response api.WSMessage
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read pong: %v", err)
	}
	if response.Type != api.MsgTypePong {
		t.Errorf("Expected 'pong', got '%s'", response.Type)
	}
	if response.ID != "test-ping-1" {
		t.Errorf("Response ID mismatch: got '%s'", response.ID)
	}
}

func TestWebSocketStreamsRunEvents(t *testing.T) {
	_, ts := setupTestServer(t)
	conn := dial(t, ts)

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, ID: "sub-1", Channel: api.ChannelAll}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var response api.WSMessage
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if response.Type != api.MsgTypeSubscribed || response.Channel != api.ChannelAll {
		t.Fatalf("Subscribe failed: %+v", response)
	}

	_, result := submit(t, ts, testPair())
	id := result["id"].(string)

	var lastSeq uint64
	for {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Stream ended before the run finished: %v", err)
		}
		if msg.Type != api.MsgTypeProgress {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("Invalid event payload: %v", err)
		}
		if ev.RunID != id {
			t.Fatalf("Unexpected run id %s", ev.RunID)
		}
		if ev.Seq <= lastSeq && lastSeq != 0 {
			t.Fatalf("Events out of order: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Type == types.EventDone {
			if ev.Status != types.RunCompleted {
				t.Errorf("Expected completed status, got %s", ev.Status)
			}
			return
		}
	}
}

func TestConcurrentConnections(t *testing.T) {
	server, ts := setupTestServer(t)

	conns := make([]*websocket.Conn, 5)
	for i := range conns {
		conns[i] = dial(t, ts)
	}

	for i, conn := range conns {
		if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypePing, ID: string(rune('0' + i))}); err != nil {
			t.Errorf("Connection %d: failed to send ping: %v", i, err)
		}
	}
	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var response api.WSMessage
		if err := conn.ReadJSON(&response); err != nil {
			t.Errorf("Connection %d: failed to read pong: %v", i, err)
		}
		if response.Type != api.MsgTypePong {
			t.Errorf("Connection %d: expected 'pong', got '%s'", i, response.Type)
		}
	}

	if n := server.Hub().ClientCount(); n != 5 {
		t.Errorf("Expected 5 clients, got %d", n)
	}
}
