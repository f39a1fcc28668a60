// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package comic

import (
	"path/filepath"
	"strings"
)

// Extension sets, lowercase and dot-prefixed. A file is considered during a
// scan when its extension is in ScannableExtensions.
var (
	ArchiveExtensions  = []string{".zip", ".cbz", ".rar", ".cbr", ".7z", ".cb7"}
	ContentExtensions  = []string{".pdf", ".epub"}
	ImageExtensions    = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}
	MetadataExtensions = []string{".xml"}

	ScannableExtensions = concat(
		ArchiveExtensions,
		ContentExtensions,
		ImageExtensions,
		MetadataExtensions,
		[]string{".torrent"},
	)
)

// CBToArchive maps the comic-book aliases onto the underlying archive
// format.
var CBToArchive = map[string]string{
	"cbz": "zip",
	"cbr": "rar",
	"cb7": "7z",
}

// ExtractionPrefix marks scratch folders used while unpacking archives.
// Name components carrying it are ignored during extraction and scans.
const ExtractionPrefix = ".lb-extract"

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// Ext returns the lowercase extension of path including the dot.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// HasExtension reports whether path's extension is one of exts.
func HasExtension(path string, exts []string) bool {
	e := Ext(path)
	for _, x := range exts {
		if e == x {
			return true
		}
	}
	return false
}

// IsArchive reports whether path names a supported archive.
func IsArchive(path string) bool {
	return HasExtension(path, ArchiveExtensions)
}

// IsImage reports whether path names an image file.
func IsImage(path string) bool {
	return HasExtension(path, ImageExtensions)
}

// IsMetadata reports whether path names a metadata file.
func IsMetadata(path string) bool {
	return HasExtension(path, MetadataExtensions)
}
