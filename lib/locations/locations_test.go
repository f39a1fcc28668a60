// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !windows

package locations

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUnixDataDir(t *testing.T) {
	t.Parallel()

	cases := []struct {
		userHome    string
		xdgDataHome string
		expected    string
	}{
		// No variables set, use our current default
		{"/home/user", "", "/home/user/.local/share/longbox"},
		// Data home set, use that
		{"/home/user", "/var/data", "/var/data/longbox"},
	}

	for _, c := range cases {
		actual := unixDataDir(c.userHome, c.xdgDataHome)
		if actual != c.expected {
			t.Errorf("unixDataDir(%q, %q) == %q, expected %q", c.userHome, c.xdgDataHome, actual, c.expected)
		}
	}
}

func TestGetTimestamped(t *testing.T) {
	s := getTimestampedAt(PanicLog, time.Date(2024, 10, 25, 21, 47, 0, 0, time.UTC))
	exp := "panic-20241025-214700.log"
	if file := filepath.Base(s); file != exp {
		t.Errorf("got %q, expected %q", file, exp)
	}
}

func TestSetBaseDir(t *testing.T) {
	if err := SetBaseDir(DataBaseDir, "/tmp/longbox-test"); err != nil {
		t.Fatal(err)
	}
	if got := Get(Database); got != filepath.Clean("/tmp/longbox-test/longbox.db") {
		t.Errorf("Database resolves to %q after SetBaseDir", got)
	}
	if got := Get(CVCache); got != filepath.Clean("/tmp/longbox-test/cvcache") {
		t.Errorf("CVCache resolves to %q after SetBaseDir", got)
	}
	if err := SetBaseDir("bogus", "/tmp"); err == nil {
		t.Error("expected an error for an unknown base dir")
	}
}
