package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment/internal/model"
)

func newTestConnector(t *testing.T, cfg ConnectorConfig) *Connector {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:1/trades"
	}
	c, err := NewConnector(cfg)
	require.NoError(t, err)
	return c
}

// Test_NewConnector tests configuration validation
func Test_NewConnector(t *testing.T) {
	tests := []struct {
		name        string
		config      ConnectorConfig
		expectError bool
	}{
		{name: "Valid URL", config: ConnectorConfig{URL: "ws://localhost:8090/trades"}},
		{name: "Missing URL", config: ConnectorConfig{}, expectError: true},
		{name: "Not a URL", config: ConnectorConfig{URL: "trades"}, expectError: true},
		{name: "Negative buffer", config: ConnectorConfig{URL: "ws://localhost:8090", TradeBuffer: -1}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewConnector(tt.config)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, c.cfg.ReconnectInitialInterval)
		})
	}
}

// Test_DecodeFrame tests decoding and validation of feed frames
func Test_DecodeFrame(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		want          []model.Trade
		errorContains string
	}{
		{
			name: "Single trade",
			raw:  `{"type":"trade","data":{"tradeId":1,"productId":31,"brokerId":21}}`,
			want: []model.Trade{{TradeID: 1, ProductID: 31, BrokerID: 21}},
		},
		{
			name: "Batch",
			raw:  `{"type":"batch","data":[{"tradeId":2,"productId":32,"brokerId":22},{"tradeId":3,"productId":33,"brokerId":23}]}`,
			want: []model.Trade{{TradeID: 2, ProductID: 32, BrokerID: 22}, {TradeID: 3, ProductID: 33, BrokerID: 23}},
		},
		{
			name:          "Malformed JSON",
			raw:           `{"type":`,
			errorContains: "invalid feed frame",
		},
		{
			name:          "Unknown type",
			raw:           `{"type":"quote","data":{}}`,
			errorContains: "invalid feed frame",
		},
		{
			name:          "Missing data",
			raw:           `{"type":"trade"}`,
			errorContains: "invalid feed frame",
		},
		{
			name:          "Trade payload of wrong shape",
			raw:           `{"type":"trade","data":[1,2]}`,
			errorContains: "invalid trade payload",
		},
		{
			name:          "Trade missing broker",
			raw:           `{"type":"trade","data":{"tradeId":1,"productId":31}}`,
			errorContains: "invalid trade at index 0",
		},
		{
			name:          "Batch with one invalid trade is rejected whole",
			raw:           `{"type":"batch","data":[{"tradeId":4,"productId":31,"brokerId":21},{"tradeId":0,"productId":31,"brokerId":21}]}`,
			errorContains: "invalid trade at index 1",
		},
	}

	c := newTestConnector(t, ConnectorConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.decodeFrame([]byte(tt.raw))
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				assert.Empty(t, got, "nothing may be forwarded from a rejected frame")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Test_EncodeRoundTrip tests that server frames decode on the connector side
func Test_EncodeRoundTrip(t *testing.T) {
	c := newTestConnector(t, ConnectorConfig{})

	frame, err := EncodeBatch(createTestBatch(5, 2))
	require.NoError(t, err)
	got, err := c.decodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got[0].TradeID)
	assert.Equal(t, int64(6), got[1].TradeID)

	frame, err = EncodeTrade(model.Trade{TradeID: 7, ProductID: 34, BrokerID: 24})
	require.NoError(t, err)
	got, err = c.decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, []model.Trade{{TradeID: 7, ProductID: 34, BrokerID: 24}}, got)
}

func startFeedServer(t *testing.T) (*httptest.Server, chan []model.Trade) {
	t.Helper()
	d, batches := startDispatcher(t, DispatcherConfig{})
	srv := httptest.NewServer(NewServer(d, ServerConfig{PingPeriod: 50 * time.Millisecond}))
	t.Cleanup(srv.Close)
	return srv, batches
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, ch <-chan model.Trade) model.Trade {
	t.Helper()
	select {
	case trade, ok := <-ch:
		require.True(t, ok, "feed closed")
		return trade
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for trade")
		return model.Trade{}
	}
}

// Test_SubscribeThroughServer tests the full publish and consume path
func Test_SubscribeThroughServer(t *testing.T) {
	srv, batches := startFeedServer(t)
	c := newTestConnector(t, ConnectorConfig{URL: wsURL(srv)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trades, err := c.Subscribe(ctx)
	require.NoError(t, err)

	// Give time for the server side subscription to be processed
	time.Sleep(50 * time.Millisecond)

	batches <- createTestBatch(1, 3)
	batches <- createTestBatch(4, 2)

	for want := int64(1); want <= 5; want++ {
		assert.Equal(t, want, receive(t, trades).TradeID)
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-trades:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "trade channel must close after cancellation")
}

// Test_SubscribeInitialDialFails tests that the first connection must succeed
func Test_SubscribeInitialDialFails(t *testing.T) {
	srv, _ := startFeedServer(t)
	url := wsURL(srv)
	srv.Close()

	c := newTestConnector(t, ConnectorConfig{URL: url})
	_, err := c.Subscribe(context.Background())
	assert.Error(t, err)
}

// Test_SubscribeReconnects tests recovery after the feed drops
func Test_SubscribeReconnects(t *testing.T) {
	// the handler delegates to whichever feed server is current, so the test can
	// shut one dispatcher down and bring a fresh one up behind the same URL
	var current atomic.Pointer[Server]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().ServeHTTP(w, r)
	}))
	defer srv.Close()

	startFeed := func() (context.CancelFunc, chan []model.Trade) {
		d := NewDispatcher(DispatcherConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		batches := make(chan []model.Trade, 10)
		require.NoError(t, d.StartDispatching(ctx, batches))
		current.Store(NewServer(d, ServerConfig{}))
		return cancel, batches
	}

	stopFirst, batches := startFeed()
	defer stopFirst()

	c := newTestConnector(t, ConnectorConfig{
		URL:                      wsURL(srv),
		Reconnect:                true,
		ReconnectInitialInterval: 10 * time.Millisecond,
		ReconnectMaxInterval:     50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trades, err := c.Subscribe(ctx)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	batches <- createTestBatch(1, 1)
	assert.Equal(t, int64(1), receive(t, trades).TradeID)

	// bring up a new feed, then stop the old one so its subscribers are disconnected
	stopSecond, batches := startFeed()
	defer stopSecond()
	stopFirst()

	assert.Eventually(t, func() bool {
		select {
		case batches <- createTestBatch(2, 1):
		default:
		}
		select {
		case trade, ok := <-trades:
			return ok && trade.TradeID == 2
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond, "feed must resume after reconnecting")
}
