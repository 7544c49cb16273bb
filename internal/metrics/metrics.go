package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	UpdatesTotal          prometheus.Counter
	InstancesRunning      prometheus.Gauge
	InstanceStartFailures prometheus.Counter
	RepliesSent           prometheus.Counter
	PatternsLearned       prometheus.Counter
	LanguageDetections    *prometheus.CounterVec
	LifecycleJobs         *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "clonehost",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received across all instances",
			}),
			InstancesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "clonehost",
				Name:      "instances_running",
				Help:      "Bot instances currently in the running state",
			}),
			InstanceStartFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "clonehost",
				Name:      "instance_start_failures_total",
				Help:      "Total instance start attempts that ended in failure",
			}),
			RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "clonehost",
				Name:      "replies_sent_total",
				Help:      "Total chatbot replies sent",
			}),
			PatternsLearned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "clonehost",
				Name:      "patterns_learned_total",
				Help:      "Total response patterns learned",
			}),
			LanguageDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clonehost",
				Name:      "language_detections_total",
				Help:      "Language detection attempts by result",
			}, []string{"result"}),
			LifecycleJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "clonehost",
				Name:      "lifecycle_jobs_total",
				Help:      "Lifecycle jobs processed by result",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			global.UpdatesTotal,
			global.InstancesRunning,
			global.InstanceStartFailures,
			global.RepliesSent,
			global.PatternsLearned,
			global.LanguageDetections,
			global.LifecycleJobs,
		)
	})
	return global
}
