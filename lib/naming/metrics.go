// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package naming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRenamesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "longbox",
	Subsystem: "naming",
	Name:      "files_renamed_total",
	Help:      "Number of files renamed to match the naming formats.",
})
