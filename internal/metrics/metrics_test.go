package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestOrderAdmitted_IncrementsLabeledCounter(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.OrderAdmitted("ALT/USDT", "LIMIT")
	r.OrderAdmitted("ALT/USDT", "LIMIT")
	r.OrderAdmitted("ALT/USDT", "MARKET")

	assert.Equal(t, float64(2), counterValue(t, r.ordersAdmitted, "ALT/USDT", "LIMIT"))
	assert.Equal(t, float64(1), counterValue(t, r.ordersAdmitted, "ALT/USDT", "MARKET"))
}

func TestTradeExecuted_IncrementsCountAndVolume(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.TradeExecuted("ALT/USDT", decimal.RequireFromString("2.5"))
	r.TradeExecuted("ALT/USDT", decimal.RequireFromString("1.5"))

	assert.Equal(t, float64(2), counterValue(t, r.tradesExecuted, "ALT/USDT"))
	assert.Equal(t, float64(4), counterValue(t, r.tradeVolume, "ALT/USDT"))
}

func TestSettlementLatency_ObservesIntoHistogram(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.SettlementLatency("ALT/USDT", 5*time.Millisecond)

	m := &dto.Metric{}
	require.NoError(t, r.settlementLatency.WithLabelValues("ALT/USDT").(prometheus.Metric).Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestNew_SeparateRegistriesAvoidDuplicateRegistrationPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
