package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmoss/hedgebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(discard), nil))
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   any
	}{
		{
			"matched fill",
			200,
			`{"success":true,"order_id":"o1","trade_id":"t1","status":"matched","filled_shares":"4.1666","filled_price":"0.48"}`,
			domain.Filled{},
		},
		{
			"fok unmatched",
			200,
			`{"success":false,"status":"unmatched","error_msg":"fok not met"}`,
			domain.Rejected{},
		},
		{
			"explicit 4xx decline",
			422,
			`{"success":false,"status":"rejected","error_msg":"below min size"}`,
			domain.Rejected{},
		},
		{
			"server error",
			502,
			`upstream timeout`,
			domain.TransportError{},
		},
		{
			"garbled 2xx body",
			200,
			`{{{`,
			domain.TransportError{},
		},
		{
			"fill with bad numerics",
			200,
			`{"success":true,"status":"matched","filled_shares":"??","filled_price":"0.48"}`,
			domain.TransportError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.status, []byte(tt.body))
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestClassify_FillValues(t *testing.T) {
	body := `{"success":true,"order_id":"o1","trade_id":"t1","status":"matched","filled_shares":"4.1666","filled_price":"0.48"}`
	got := classify(200, []byte(body))

	fill, ok := got.(domain.Filled)
	require.True(t, ok)
	assert.Equal(t, "o1", fill.OrderID)
	assert.True(t, fill.Shares.Equal(decimal.RequireFromString("4.1666")))
	assert.True(t, fill.Cost().Equal(decimal.RequireFromString("1.999968")))
}

func TestSubmitOrder_TransportFaultIsClassified(t *testing.T) {
	// Server that hangs up mid-response.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	outcome := c.SubmitOrder(context.Background(), domain.OrderRequest{
		MarketID:    "mkt-1",
		Side:        domain.SideNo,
		Direction:   domain.DirectionBuy,
		Shares:      decimal.RequireFromString("4"),
		Price:       decimal.RequireFromString("0.48"),
		TimeInForce: domain.TIFFillOrKill,
	})

	assert.IsType(t, domain.TransportError{}, outcome)
}

func TestListTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "since=")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"trade_id":"t1","order_id":"o1","market_id":"m1","side":"no","direction":"buy","shares":"4.1666","price":"0.48","filled_at":"2026-08-20T10:00:00Z"},
			{"trade_id":"t2","order_id":"o2","market_id":"m1","side":"sideways","direction":"buy","shares":"1","price":"0.5","filled_at":"2026-08-20T10:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	trades, err := c.ListTrades(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	// The unparsable row is skipped, not fatal.
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].TradeID)
	assert.Equal(t, domain.SideNo, trades[0].Side)
}

func TestDryRun_RoundTrip(t *testing.T) {
	d := NewDryRun(testLogger())

	outcome := d.SubmitOrder(context.Background(), domain.OrderRequest{
		MarketID:  "m1",
		Side:      domain.SideYes,
		Direction: domain.DirectionBuy,
		Shares:    decimal.RequireFromString("2"),
		Price:     decimal.RequireFromString("0.47"),
	})
	fill, ok := outcome.(domain.Filled)
	require.True(t, ok)
	require.NotEmpty(t, fill.TradeID)

	trades, err := d.ListTrades(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, fill.TradeID, trades[0].TradeID)
}
