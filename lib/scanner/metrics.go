// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "scanner",
		Name:      "scans_total",
		Help:      "Number of volume folder scans performed.",
	})

	metricFilesMatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "scanner",
		Name:      "files_matched_total",
		Help:      "Number of scanned files that matched their volume.",
	})
)
