// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package convert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFilesConvertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "convert",
		Name:      "files_converted_total",
		Help:      "Number of files run through a format converter.",
	})

	metricArchivesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "convert",
		Name:      "archives_extracted_total",
		Help:      "Number of archives exploded into their volume folder.",
	})
)
