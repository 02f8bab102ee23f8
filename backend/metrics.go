// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one server instance.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	ActionsApplied  *prometheus.CounterVec
	BallsRecorded   *prometheus.CounterVec
	Conflicts       prometheus.Counter
	HubBusy         *prometheus.CounterVec
	RateLimitDenied prometheus.Counter
	ActiveHubs      prometheus.Gauge
	WSClients       prometheus.Gauge
	EventsPublished *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketscorer_http_requests_total",
			Help: "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cricketscorer_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cricketscorer_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		ActionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketscorer_actions_applied_total",
			Help: "Match actions applied, by action type.",
		}, []string{"type"}),
		BallsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketscorer_balls_recorded_total",
			Help: "Deliveries recorded, by outcome.",
		}, []string{"outcome"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cricketscorer_action_conflicts_total",
			Help: "Action batches rejected because the base revision diverged.",
		}),
		HubBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketscorer_hub_busy_total",
			Help: "Requests rejected because a match hub queue was full.",
		}, []string{"request"}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cricketscorer_rate_limit_denied_total",
			Help: "Ball submissions rejected by the rate limiter.",
		}),
		ActiveHubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cricketscorer_active_hubs",
			Help: "Match hubs currently running.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cricketscorer_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cricketscorer_events_published_total",
			Help: "Match events handed to the event feed, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ActionsApplied,
		m.BallsRecorded,
		m.Conflicts,
		m.HubBusy,
		m.RateLimitDenied,
		m.ActiveHubs,
		m.WSClients,
		m.EventsPublished,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ballOutcome labels a delivery for the balls counter.
func ballOutcome(extra string, wicket bool) string {
	switch {
	case wicket:
		return "wicket"
	case extra != "":
		return extra
	}
	return "runs"
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeTemplate(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, fmt.Sprintf("%dxx", recorder.statusCode/100)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
