// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package comicvine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "comicvine",
		Name:      "requests_total",
		Help:      "Number of requests sent to the ComicVine API, per endpoint.",
	}, []string{"endpoint"})

	metricCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "comicvine",
		Name:      "cache_hits_total",
		Help:      "Number of API responses served from the local cache.",
	})

	metricCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "comicvine",
		Name:      "cache_misses_total",
		Help:      "Number of API requests that could not be served from the local cache.",
	})
)
