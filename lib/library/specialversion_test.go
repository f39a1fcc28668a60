// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package library

import (
	"testing"

	"github.com/longbox/longbox/lib/comic"
	"github.com/longbox/longbox/lib/db"
)

func issuesTitled(titles ...string) []db.Issue {
	issues := make([]db.Issue, len(titles))
	for i, title := range titles {
		t := title
		issues[i] = db.Issue{Title: &t}
	}
	return issues
}

func TestDetermineSpecialVersion(t *testing.T) {
	cases := []struct {
		name        string
		title       string
		description string
		issues      []db.Issue
		want        comic.SpecialVersion
	}{
		{
			name:   "plain run",
			title:  "Invincible",
			issues: issuesTitled("Family Matters", "Eight is Enough", "Perfect Strangers"),
			want:   comic.Normal,
		},
		{
			name:   "volume as issue",
			title:  "Fables",
			issues: issuesTitled("Volume 1", "Volume 2", "Vol. 3", "Book 4"),
			want:   comic.VolumeAsIssue,
		},
		{
			name:   "one shot in title",
			title:  "Batman: The Brave One-Shot",
			issues: issuesTitled("The Brave"),
			want:   comic.OneShot,
		},
		{
			name:   "hard cover in issue title",
			title:  "Saga Compendium",
			issues: issuesTitled("Saga Compendium HC"),
			want:   comic.HardCover,
		},
		{
			name:   "omnibus",
			title:  "The Walking Dead Omnibus",
			issues: issuesTitled("Volume 1"),
			want:   comic.Omnibus,
		},
		{
			name:        "tpb from description",
			title:       "Monstress",
			description: "<p>Collects Monstress #1-6 in a single trade paperback.</p>",
			issues:      issuesTitled("Awakening"),
			want:        comic.TPB,
		},
		{
			name:   "single untagged issue",
			title:  "Pride of Baghdad",
			issues: issuesTitled("Pride of Baghdad"),
			want:   comic.OneShot,
		},
		{
			name:  "no issues yet",
			title: "Nothing",
			want:  comic.Normal,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetermineSpecialVersion(tc.title, tc.description, tc.issues)
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
