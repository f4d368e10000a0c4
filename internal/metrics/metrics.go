// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus collectors for the chat service
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/resilience"
)

const namespace = "homebuying"

// Metrics holds all Prometheus collectors for the service
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	AnswersTotal         *prometheus.CounterVec
	AnswerLatency        *prometheus.HistogramVec
	SourcesPerAnswer     prometheus.Histogram
	CompletionTokens     prometheus.Counter
	RateLimitedTotal     prometheus.Counter
	LimiterErrorsTotal   prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests and multiple servers independent.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
		AnswersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "answers_total",
				Help:      "Answers by outcome (answered, forbidden, no_context, upstream_error).",
			},
			[]string{"outcome"},
		),
		AnswerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "answer_latency_seconds",
				Help:      "Pipeline latency in seconds by outcome.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		SourcesPerAnswer: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sources_per_answer",
				Help:      "Number of context documents cited per generated answer.",
				Buckets:   []float64{1, 2, 3, 4, 5, 10},
			},
		),
		CompletionTokens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "completion_tokens_total",
				Help:      "Total tokens consumed by completion calls.",
			},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter.",
			},
		),
		LimiterErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limiter_errors_total",
				Help:      "Rate limiter backend errors; the request was allowed through.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AnswersTotal,
		m.AnswerLatency,
		m.SourcesPerAnswer,
		m.CompletionTokens,
		m.RateLimitedTotal,
		m.LimiterErrorsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveAnswer records a pipeline result
func (m *Metrics) ObserveAnswer(result answer.Result) {
	outcome := string(result.Outcome)
	m.AnswersTotal.WithLabelValues(outcome).Inc()
	m.AnswerLatency.WithLabelValues(outcome).Observe(result.Latency.Seconds())

	if result.Outcome == answer.OutcomeAnswered {
		m.SourcesPerAnswer.Observe(float64(len(result.Sources)))
		m.CompletionTokens.Add(float64(result.Usage.TotalTokens))
	}
}

// CircuitStateHook returns an OnStateChange hook that publishes the state
// of the named breaker
func (m *Metrics) CircuitStateHook(name string) func(from, to resilience.CircuitState) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(resilience.CircuitClosed))
	return func(_, to resilience.CircuitState) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}

// Handler returns the Prometheus scrape HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
