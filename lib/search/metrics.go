// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Number of queries issued to search sources.",
	}, []string{"source"})

	metricSourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "search",
		Name:      "source_errors_total",
		Help:      "Number of source queries that failed.",
	}, []string{"source"})

	metricPagesResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "search",
		Name:      "pages_resolved_total",
		Help:      "Number of release pages resolved into download links.",
	})
)
