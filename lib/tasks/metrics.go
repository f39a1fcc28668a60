// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTasksRunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "tasks",
		Name:      "run_total",
		Help:      "Number of background tasks started, by action.",
	}, []string{"action"})

	metricTasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "longbox",
		Subsystem: "tasks",
		Name:      "failed_total",
		Help:      "Number of background tasks that returned an error, by action.",
	}, []string{"action"})
)
