package collector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

func sampleBucket() models.Bucket {
	return models.Bucket{
		Level:        models.LevelMin5,
		Start:        minute(5),
		Open:         decimal.RequireFromString("42000.5"),
		High:         decimal.RequireFromString("42010"),
		Low:          decimal.RequireFromString("41990.25"),
		Close:        decimal.RequireFromString("42001"),
		Children:     3,
		Expected:     5,
		Interpolated: 1,
		Provisional:  true,
	}
}

func TestNewRedisPublisher_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.PublisherConfig
		wantTTL     time.Duration
		wantChannel string
		wantKey     string
	}{
		{
			name:        "defaults when empty",
			cfg:         config.PublisherConfig{},
			wantTTL:     defaultPublishTTL,
			wantChannel: defaultChannel,
			wantKey:     "ohlcv:latest:BTC-USD",
		},
		{
			name:        "invalid ttl uses default",
			cfg:         config.PublisherConfig{TTL: "soon"},
			wantTTL:     defaultPublishTTL,
			wantChannel: defaultChannel,
			wantKey:     "ohlcv:latest:BTC-USD",
		},
		{
			name:        "custom values preserved",
			cfg:         config.PublisherConfig{TTL: "1m", Channel: "prices", KeyPrefix: "latest:"},
			wantTTL:     time.Minute,
			wantChannel: "prices",
			wantKey:     "latest:BTC-USD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb, _ := redismock.NewClientMock()
			defer rdb.Close()

			p := NewRedisPublisher(rdb, tt.cfg, symbol, quietLogger())
			assert.Equal(t, tt.wantTTL, p.ttl)
			assert.Equal(t, tt.wantChannel, p.channel)
			assert.Equal(t, tt.wantKey, p.Key())
		})
	}
}

func TestRedisPublisher_ProcessPrice(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	defer rdb.Close()

	p := NewRedisPublisher(rdb, config.PublisherConfig{TTL: "2m"}, symbol, quietLogger())
	bucket := sampleBucket()

	data, err := json.Marshal(NewPriceMessage(symbol, bucket))
	require.NoError(t, err)

	mock.ExpectSet("ohlcv:latest:BTC-USD", string(data), 2*time.Minute).SetVal("OK")
	mock.ExpectPublish("ohlcv:prices", string(data)).SetVal(1)

	require.NoError(t, p.ProcessPrice(context.Background(), bucket))
	assert.NoError(t, mock.ExpectationsWereMet())

	var msg PriceMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "42000.5", msg.Open)
	assert.Equal(t, "41990.25", msg.Low)
	assert.True(t, msg.Provisional)
	assert.True(t, msg.Start.Equal(minute(5)))
}

func TestRedisPublisher_Failures(t *testing.T) {
	bucket := sampleBucket()
	data, err := json.Marshal(NewPriceMessage(symbol, bucket))
	require.NoError(t, err)

	t.Run("set fails", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		defer rdb.Close()
		m := metrics.New("test")

		p := NewRedisPublisher(rdb, config.PublisherConfig{}, symbol, quietLogger()).WithMetrics(m)
		mock.ExpectSet(p.Key(), string(data), defaultPublishTTL).SetErr(errors.New("READONLY"))

		err := p.ProcessPrice(context.Background(), bucket)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "READONLY")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("publish fails", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		defer rdb.Close()
		m := metrics.New("test")

		p := NewRedisPublisher(rdb, config.PublisherConfig{}, symbol, quietLogger()).WithMetrics(m)
		mock.ExpectSet(p.Key(), string(data), defaultPublishTTL).SetVal("OK")
		mock.ExpectPublish(defaultChannel, string(data)).SetErr(errors.New("connection closed"))

		err := p.ProcessPrice(context.Background(), bucket)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to publish")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors))
	})
}

func TestRedisPublisher_AsConsumer(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	defer rdb.Close()

	market := newMarket(t)
	p := NewRedisPublisher(rdb, config.PublisherConfig{KeyPrefix: "k:"}, symbol, quietLogger())
	rec := &recorder{}

	poller := newPoller(market, scripted(tickAt(0, "100")), MultiConsumer{rec, p}, 0)

	mock.Regexp().ExpectSet("k:BTC-USD", `"level":"MIN5".*"close":"100"`, defaultPublishTTL).SetVal("OK")
	mock.Regexp().ExpectPublish(defaultChannel, `"provisional":true`).SetVal(0)

	assert.True(t, poller.RunOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Len(t, rec.buckets, 1)
}

func TestSafeKey(t *testing.T) {
	assert.Equal(t, "BTC_USD_spot", safeKey("BTC USD:spot"))
}
