// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filename

import (
	"strconv"
	"strings"
)

// Fractional suffixes as they appear in issue numbers: "3b" sits between
// issues 3 and 4, "4½" is the classic half issue.
var fractionSuffixes = map[string]float64{
	"a": 0.1,
	"b": 0.2,
	"c": 0.3,
	"½": 0.5,
}

// CalculateIssueNumber converts issue number notation to a sortable float:
// "5" is 5.0, "006" is 6.0, "3b" is 3.2, "4½" is 4.5, a lone "½" is 0.5.
// The second return is false when the string holds no usable number.
func CalculateIssueNumber(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "#")
	if s == "" {
		return 0, false
	}

	if frac, ok := fractionSuffixes[s]; ok {
		return frac, true
	}

	digits := len(s)
	for i, r := range s {
		if !isDigit(r) && r != '.' {
			digits = i
			break
		}
	}
	if digits == 0 {
		return 0, false
	}

	base, err := strconv.ParseFloat(strings.TrimSuffix(s[:digits], "."), 64)
	if err != nil {
		return 0, false
	}

	rest := strings.TrimSpace(s[digits:])
	if rest == "" {
		return base, true
	}
	if frac, ok := fractionSuffixes[rest]; ok {
		return base + frac, true
	}
	return 0, false
}
