// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDownloadsAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "download",
		Name:      "downloads_added_total",
		Help:      "Number of downloads added to the queue, by client kind.",
	}, []string{"client"})

	metricDownloadsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "download",
		Name:      "downloads_completed_total",
		Help:      "Number of downloads that finished and were imported.",
	})

	metricDownloadsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "download",
		Name:      "downloads_failed_total",
		Help:      "Number of downloads that ended in failure.",
	})

	metricPollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "download",
		Name:      "poll_errors_total",
		Help:      "Number of status polls that returned an error.",
	})

	metricDownloadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "download",
		Name:      "downloaded_bytes_total",
		Help:      "Bytes fetched by the built in direct downloader.",
	})
)
