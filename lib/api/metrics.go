// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of API requests served, by method.",
	}, []string{"method"})

	metricRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "longbox",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Wall time spent serving API requests.",
	})

	metricAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "api",
		Name:      "auth_failures_total",
		Help:      "Number of requests refused for a missing or wrong API key.",
	})
)
