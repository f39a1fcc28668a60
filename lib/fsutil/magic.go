// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fsutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/longbox/longbox/lib/comic"
)

var archiveMagicBytes = []struct {
	prefix []byte
	ext    string
}{
	{[]byte("PK\x03\x04"), "zip"},
	{[]byte("Rar!\x1a\x07"), "rar"},
	{[]byte("7z\xbc\xaf\x27\x1c"), "7z"},
}

// SetDetectedExtension returns path with the extension matching the file's
// actual archive format, determined from its leading bytes. Extracted
// archive members regularly lie about their format. Files that are not a
// recognised archive come back unchanged, as does a file whose extension is
// already right. A cb* flavored extension stays in the cb* family: a .cbr
// that is really a zip becomes .cbz, not .zip.
func SetDetectedExtension(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return path
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return path
	}
	head = head[:n]

	ext := ""
	for _, m := range archiveMagicBytes {
		if bytes.HasPrefix(head, m.prefix) {
			ext = m.ext
			break
		}
	}
	if ext == "" {
		return path
	}

	current := strings.TrimPrefix(comic.Ext(path), ".")
	if current == ext {
		return path
	}

	if _, isCB := comic.CBToArchive[current]; isCB {
		cbExt := ""
		for cb, normal := range comic.CBToArchive {
			if normal == ext {
				cbExt = cb
				break
			}
		}
		if cbExt == "" {
			return path
		}
		ext = cbExt
	}

	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + ext
}
