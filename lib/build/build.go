// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package build

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	// Injected by build script
	Version = "unknown-dev"
	Host    = "unknown"
	User    = "unknown"
	Stamp   = "0"

	// Static
	Codename = "Gutter Ghost"

	// Set by init()
	Date        time.Time
	IsRelease   bool
	IsBeta      bool
	LongVersion string
)

var releaseExp = regexp.MustCompile(`^v\d+\.\d+\.\d+(-[a-z]+[\d.]+)?$`)

func init() {
	IsRelease = releaseExp.MatchString(Version)
	IsBeta = strings.Contains(Version, "-")

	stamp, _ := strconv.Atoi(Stamp)
	Date = time.Unix(int64(stamp), 0)

	date := Date.UTC().Format("2006-01-02 15:04:05 MST")
	LongVersion = fmt.Sprintf(`longbox %s "%s" (%s %s-%s) %s@%s %s`, Version, Codename, runtime.Version(), runtime.GOOS, runtime.GOARCH, User, Host, date)
}
