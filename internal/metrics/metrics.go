// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ポーラーとディスパッチャから利用する。
type MetricsCollector interface {
	RecordPoll(campus string)
	RecordPollFailure(campus string)
	RecordPollDuration(campus string, duration time.Duration)
	RecordOpenIndexes(campus string, count int)
	RecordEventsEmitted(campus string, count int)
	RecordNotificationsQueued(campus string, count int)
	RecordDispatch(channel string, status string)
	RecordSendAttempts(channel string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pollsTotal          *prometheus.CounterVec
	pollFailures        *prometheus.CounterVec
	pollDuration        *prometheus.HistogramVec
	lastOpenIndexes     *prometheus.GaugeVec
	eventsEmitted       *prometheus.CounterVec
	notificationsQueued *prometheus.CounterVec
	dispatchOutcomes    *prometheus.CounterVec
	sendAttempts        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_polls_total",
			Help: "キャンパス別のポーリング実行回数",
		}, []string{"campus"}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_poll_failures_total",
			Help: "キャンパス別のポーリング失敗回数",
		}, []string{"campus"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seatwatch_poll_duration_seconds",
			Help:    "キャンパス別のポーリング所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"campus"}),
		lastOpenIndexes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seatwatch_last_open_indexes",
			Help: "キャンパス別の直近スナップショットの空席セクション数",
		}, []string{"campus"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_events_emitted_total",
			Help: "キャンパス別の検出イベント数",
		}, []string{"campus"}),
		notificationsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_notifications_queued_total",
			Help: "キャンパス別のキュー投入された通知数",
		}, []string{"campus"}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_dispatch_outcomes_total",
			Help: "チャネル別・結果別のディスパッチ処理数",
		}, []string{"channel", "status"}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seatwatch_send_attempts_total",
			Help: "チャネル別の送信試行数",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		c.pollsTotal,
		c.pollFailures,
		c.pollDuration,
		c.lastOpenIndexes,
		c.eventsEmitted,
		c.notificationsQueued,
		c.dispatchOutcomes,
		c.sendAttempts,
	)

	return c
}

// RecordPoll はポーリング実行を記録する。
func (c *Collector) RecordPoll(campus string) {
	c.pollsTotal.WithLabelValues(campus).Inc()
}

// RecordPollFailure はポーリング失敗を記録する。
func (c *Collector) RecordPollFailure(campus string) {
	c.pollFailures.WithLabelValues(campus).Inc()
}

// RecordPollDuration はポーリング所要時間を記録する。
func (c *Collector) RecordPollDuration(campus string, duration time.Duration) {
	c.pollDuration.WithLabelValues(campus).Observe(duration.Seconds())
}

// RecordOpenIndexes は直近スナップショットの空席セクション数を記録する。
func (c *Collector) RecordOpenIndexes(campus string, count int) {
	c.lastOpenIndexes.WithLabelValues(campus).Set(float64(count))
}

// RecordEventsEmitted は検出イベント数を記録する。
func (c *Collector) RecordEventsEmitted(campus string, count int) {
	c.eventsEmitted.WithLabelValues(campus).Add(float64(count))
}

// RecordNotificationsQueued はキュー投入された通知数を記録する。
func (c *Collector) RecordNotificationsQueued(campus string, count int) {
	c.notificationsQueued.WithLabelValues(campus).Add(float64(count))
}

// RecordDispatch はディスパッチ結果を記録する。
func (c *Collector) RecordDispatch(channel string, status string) {
	c.dispatchOutcomes.WithLabelValues(channel, status).Inc()
}

// RecordSendAttempts は送信試行数を記録する。
func (c *Collector) RecordSendAttempts(channel string, count int) {
	c.sendAttempts.WithLabelValues(channel).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
