// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package locations

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/calmh/incontainer"

	"github.com/longbox/longbox/lib/fsutil"
)

type LocationEnum string

// Use strings as keys to make printout and serialization of the locations map
// more meaningful.
const (
	Database     LocationEnum = "database"
	CVCache      LocationEnum = "cvCache"
	LogFile      LocationEnum = "logFile"
	PanicLog     LocationEnum = "panicLog"
	DownloadsDir LocationEnum = "downloadsDir"
	BackupsDir   LocationEnum = "backupsDir"
)

type BaseDirEnum string

const (
	// Overridden by the --home flag or the LONGBOX_HOME environment
	// variable.
	DataBaseDir BaseDirEnum = "data"
	// User's home directory, *not* the data dir
	UserHomeBaseDir BaseDirEnum = "userHome"

	CVCacheDir = "cvcache"
)

// Platform dependent directories
var baseDirs = make(map[BaseDirEnum]string, 2)

func init() {
	userHome := "~"
	baseDirs[UserHomeBaseDir] = userHome
	baseDirs[DataBaseDir] = defaultDataDir(userHome)

	err := expandLocations()
	if err != nil {
		fmt.Println(err)
		panic("Failed to expand locations at init time")
	}
}

func SetBaseDir(baseDirName BaseDirEnum, path string) error {
	_, ok := baseDirs[baseDirName]
	if !ok {
		return fmt.Errorf("unknown base dir: %s", baseDirName)
	}
	baseDirs[baseDirName] = filepath.Clean(path)
	return expandLocations()
}

func Get(location LocationEnum) string {
	relPath := locations[location]
	fullPath, err := fsutil.ExpandTilde(relPath)
	if err != nil {
		return relPath
	}
	return fullPath
}

func GetBaseDir(baseDir BaseDirEnum) string {
	return baseDirs[baseDir]
}

// Use the variables from baseDirs here
var locationTemplates = map[LocationEnum]string{
	Database:     "${data}/longbox.db",
	CVCache:      "${data}/" + CVCacheDir,
	LogFile:      "${data}/longbox.log",
	PanicLog:     "${data}/panic-${timestamp}.log",
	DownloadsDir: "${data}/downloads",
	BackupsDir:   "${data}/backups",
}

var locations = make(map[LocationEnum]string)

// expandLocations replaces the variables in the locations map with actual
// directory locations.
func expandLocations() error {
	newLocations := make(map[LocationEnum]string)
	for key, dir := range locationTemplates {
		for varName, value := range baseDirs {
			dir = strings.Replace(dir, "${"+string(varName)+"}", value, -1)
		}
		newLocations[key] = filepath.Clean(dir)
	}
	locations = newLocations
	return nil
}

// defaultDataDir returns the default data directory, as figured out by the
// environment variables present on each platform. Inside a container the
// conventional /config mount wins.
func defaultDataDir(userHome string) string {
	if incontainer.Detect() {
		return "/config"
	}

	switch runtime.GOOS {
	case "windows":
		if p := os.Getenv("LocalAppData"); p != "" {
			return filepath.Join(p, "Longbox")
		}
		return filepath.Join(os.Getenv("AppData"), "Longbox")

	case "darwin":
		return filepath.Join(userHome, "Library/Application Support/Longbox")

	default:
		return unixDataDir(userHome, os.Getenv("XDG_DATA_HOME"))
	}
}

// unixDataDir returns the data directory to use on Unix-ish systems.
func unixDataDir(userHome, xdgDataHome string) string {
	// Always use this env var, as it's explicitly set by the user
	if xdgDataHome != "" {
		return filepath.Join(xdgDataHome, "longbox")
	}
	return filepath.Join(userHome, ".local/share/longbox")
}

func GetTimestamped(key LocationEnum) string {
	return getTimestampedAt(key, time.Now())
}

func getTimestampedAt(key LocationEnum, now time.Time) string {
	// We take the roundtrip via "${timestamp}" instead of passing the path
	// directly through time.Format() to avoid issues when the path we are
	// expanding contains numbers; otherwise for example
	// /home/user2006/.../panic-20060102-150405.log would get both instances of
	// 2006 replaced by 2015...
	tpl := locations[key]
	timestamp := now.Format("20060102-150405")
	return strings.Replace(tpl, "${timestamp}", timestamp, -1)
}
