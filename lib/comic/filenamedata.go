// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package comic

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// A NumberRange is a single number or an inclusive range, as parsed from a
// file name ("5", "1-5"). The zero value is the single number 0.
type NumberRange struct {
	Start   float64
	End     float64
	IsRange bool
}

// Number returns the range covering just v.
func Number(v float64) NumberRange {
	return NumberRange{Start: v, End: v}
}

// NewRange returns the inclusive range lo..hi. Swapped bounds are reordered;
// equal bounds collapse to a single number.
func NewRange(lo, hi float64) NumberRange {
	if hi < lo {
		lo, hi = hi, lo
	}
	return NumberRange{Start: lo, End: hi, IsRange: lo != hi}
}

// Contains reports whether v lies within the range, bounds included.
func (r NumberRange) Contains(v float64) bool {
	return r.Start <= v && v <= r.End
}

// Overlaps reports whether the two ranges share any value.
func (r NumberRange) Overlaps(o NumberRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Ends returns the significant values of the range: one element for a single
// number, the two bounds for a true range.
func (r NumberRange) Ends() []float64 {
	if r.IsRange {
		return []float64{r.Start, r.End}
	}
	return []float64{r.Start}
}

// Width is the number of whole issues the range can cover, used as a lower
// bound on a volume's issue count.
func (r NumberRange) Width() int {
	return int(r.End) - int(r.Start) + 1
}

func (r NumberRange) String() string {
	if r.IsRange {
		return fmt.Sprintf("%s-%s", formatFloat(r.Start), formatFloat(r.End))
	}
	return formatFloat(r.Start)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MarshalJSON renders a single number as a JSON number and a range as a two
// element array.
func (r NumberRange) MarshalJSON() ([]byte, error) {
	if r.IsRange {
		return json.Marshal([2]float64{r.Start, r.End})
	}
	return json.Marshal(r.Start)
}

func (r *NumberRange) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) > 0 && data[0] == '[' {
		var pair [2]float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		*r = NewRange(pair[0], pair[1])
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Number(v)
	return nil
}

// FilenameData is the result of parsing a file or release name.
type FilenameData struct {
	Series         string         `json:"series"`
	Year           *int           `json:"year"`
	VolumeNumber   *NumberRange   `json:"volume_number"`
	IssueNumber    *NumberRange   `json:"issue_number"`
	Annual         bool           `json:"annual"`
	SpecialVersion SpecialVersion `json:"special_version"`
}

// GroupKey is the composite key that identifies "the same release except for
// the issue number". Files sharing a key are grouped during library import.
type GroupKey struct {
	Series         string
	Year           int  // -1 when unknown
	HasYear        bool
	VolumeNumber   NumberRange
	HasVolume      bool
	Annual         bool
	SpecialVersion SpecialVersion
}

// Key returns the grouping key of the parse result.
func (fd FilenameData) Key() GroupKey {
	k := GroupKey{
		Series:         strings.ToLower(fd.Series),
		Year:           -1,
		Annual:         fd.Annual,
		SpecialVersion: fd.SpecialVersion,
	}
	if fd.Year != nil {
		k.Year = *fd.Year
		k.HasYear = true
	}
	if fd.VolumeNumber != nil {
		k.VolumeNumber = *fd.VolumeNumber
		k.HasVolume = true
	}
	return k
}

// Provenance carries the release metadata that can be gleaned from a file or
// release name, stored alongside imported files.
type Provenance struct {
	Releaser   string `json:"releaser"`
	ScanType   string `json:"scan_type"`
	Resolution string `json:"resolution"`
	DPI        string `json:"dpi"`
}

func (p Provenance) Empty() bool {
	return p == Provenance{}
}
