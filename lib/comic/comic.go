// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package comic holds the domain definitions shared by all other packages:
// special versions, file classifications, download and blocklist enums, and
// the FilenameData structure produced by the filename extractor.
package comic

import (
	"encoding/json"
	"fmt"
)

// A SpecialVersion describes how a volume (or a file) deviates from the
// normal sequential-issue pattern. The zero value means a normal volume.
type SpecialVersion string

const (
	Normal        SpecialVersion = ""
	TPB           SpecialVersion = "tpb"
	OneShot       SpecialVersion = "one-shot"
	HardCover     SpecialVersion = "hard-cover"
	Omnibus       SpecialVersion = "omnibus"
	VolumeAsIssue SpecialVersion = "volume-as-issue"
	CoverFile     SpecialVersion = "cover"
	MetadataFile  SpecialVersion = "metadata"
)

// OneIssueVersions are the special versions whose volume consists of a
// single "issue one".
var OneIssueVersions = []SpecialVersion{TPB, OneShot, HardCover, Omnibus}

func (sv SpecialVersion) IsOneIssue() bool {
	for _, v := range OneIssueVersions {
		if sv == v {
			return true
		}
	}
	return false
}

func (sv SpecialVersion) String() string {
	if sv == Normal {
		return "normal"
	}
	return string(sv)
}

// MarshalJSON renders the normal version as null, matching the API contract.
func (sv SpecialVersion) MarshalJSON() ([]byte, error) {
	if sv == Normal {
		return []byte("null"), nil
	}
	return json.Marshal(string(sv))
}

func (sv *SpecialVersion) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*sv = Normal
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*sv = SpecialVersion(s)
	return nil
}

// A GeneralFileType classifies a volume-level file that is not bound to any
// one issue.
type GeneralFileType string

const (
	CoverFileType    GeneralFileType = "cover"
	MetadataFileType GeneralFileType = "metadata"
)

// A DownloadState is the externally visible state of a queue entry.
type DownloadState string

const (
	DownloadQueued      DownloadState = "queued"
	DownloadDownloading DownloadState = "downloading"
	DownloadPaused      DownloadState = "paused"
	DownloadSeeding     DownloadState = "seeding"
	DownloadImporting   DownloadState = "importing"
	DownloadFailed      DownloadState = "failed"
	DownloadCanceled    DownloadState = "canceled"
	DownloadShutdown    DownloadState = "shutting down"
	DownloadDone        DownloadState = "done"
)

// A BlocklistReason records why a link was blocked.
type BlocklistReason int

const (
	BlocklistLinkBroken BlocklistReason = iota + 1
	BlocklistSourceNotSupported
	BlocklistDownloadFailed
	BlocklistAddedByUser
)

func (r BlocklistReason) String() string {
	switch r {
	case BlocklistLinkBroken:
		return "Link broken"
	case BlocklistSourceNotSupported:
		return "Source not supported"
	case BlocklistDownloadFailed:
		return "Download failed"
	case BlocklistAddedByUser:
		return "Added by user"
	default:
		return fmt.Sprintf("BlocklistReason(%d)", int(r))
	}
}

// A MonitorScheme says which issues of a newly added volume start out
// monitored.
type MonitorScheme string

const (
	MonitorAll     MonitorScheme = "all"
	MonitorMissing MonitorScheme = "missing"
	MonitorNone    MonitorScheme = "none"
)

// SeedingHandling says what to do with a torrent that has finished
// downloading but is still seeding.
type SeedingHandling string

const (
	SeedingComplete SeedingHandling = "complete" // import when seeding is done
	SeedingMove     SeedingHandling = "move"     // import immediately, let the client seed on
)
