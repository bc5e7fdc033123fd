// Package metrics exposes loop counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Recorder は専用の Registry にループの指標を登録する。
type Recorder struct {
	registry    *prometheus.Registry
	steps       prometheus.Counter
	red         *prometheus.CounterVec
	blue        *prometheus.CounterVec
	compromised prometheus.Gauge
	fsm         *prometheus.GaugeVec
}

// New は指標を登録した Recorder を返す。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cagebridge_steps_total",
			Help: "Completed loop steps.",
		}),
		red: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cagebridge_red_actions_total",
			Help: "Red agent actions attempted, by action and outcome.",
		}, []string{"action", "success"}),
		blue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cagebridge_blue_actions_total",
			Help: "Blue actions executed, by action and outcome.",
		}, []string{"action", "success"}),
		compromised: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cagebridge_compromised_hosts",
			Help: "Hosts with at least one indicator of compromise.",
		}),
		fsm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cagebridge_fsm_hosts",
			Help: "Hosts known to the red agent, by FSM state.",
		}, []string{"state"}),
	}
	r.registry.MustRegister(r.steps, r.red, r.blue, r.compromised, r.fsm)
	return r
}

// Step は1ステップ完了を記録する。
func (r *Recorder) Step() {
	r.steps.Inc()
}

// RedAction は Red Agent の行動を記録する。
func (r *Recorder) RedAction(a redteam.Attack) {
	r.red.WithLabelValues(string(a.Action), strconv.FormatBool(a.Success)).Inc()
}

// BlueAction は Blue のアクション結果を記録する。
func (r *Recorder) BlueAction(res schema.ActionResult) {
	r.blue.WithLabelValues(string(res.Action), strconv.FormatBool(res.Success)).Inc()
}

// Compromised は侵害ホスト数を更新する。
func (r *Recorder) Compromised(n int) {
	r.compromised.Set(float64(n))
}

// FSM は状態ごとのホスト数を更新する。
func (r *Recorder) FSM(counts map[redteam.State]int) {
	for _, st := range redteam.States {
		r.fsm.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Handler は /metrics 用のハンドラ。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry はテストや他のハンドラと共有するための Registry。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
