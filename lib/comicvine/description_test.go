// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package comicvine

import "testing"

func TestCleanDescription(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		short bool
		want  string
	}{
		{
			name: "empty",
			in:   "",
			want: "",
		},
		{
			name: "images removed",
			in:   `<p>Intro text.</p><figure><img src="x.jpg"/></figure><p>More.</p>`,
			want: `<p>Intro text.</p><p>More.</p>`,
		},
		{
			name: "empty paragraphs removed",
			in:   `<p>Real.</p><p>.</p><p>   </p>`,
			want: `<p>Real.</p>`,
		},
		{
			name: "trailing header section removed",
			in:   `<p>Story intro.</p><h4>Creators</h4><ul><li>Writer A</li></ul><p>After</p>`,
			want: `<p>Story intro.</p>`,
		},
		{
			name: "list takes its label along",
			in:   `<p>Story.</p><p>Writers:</p><ul><li>A</li></ul>`,
			want: `<p>Story.</p>`,
		},
		{
			name: "bold label paragraph starts the cut",
			in:   `<p>Story.</p><p><b>Collects</b> issues 1 to 5</p><p>After</p>`,
			want: `<p>Story.</p>`,
		},
		{
			name:  "short mode keeps the credits",
			in:    `<p>Story.</p><h4>Creators</h4><ul><li>A</li></ul>`,
			short: true,
			want:  `<p>Story.</p><h4>Creators</h4><ul><li>A</li></ul>`,
		},
		{
			name: "relative link absolutised",
			in:   `<p>See <a data-ref-id="4005-2048" href="../../wonder-woman/4005-2048/">her</a>.</p>`,
			want: `<p>See <a target="_blank" href="https://comicvine.gamespot.com/wonder-woman/4005-2048/">her</a>.</p>`,
		},
		{
			name: "absolute link kept",
			in:   `<p><a href="https://example.com/x">x</a></p>`,
			want: `<p><a target="_blank" href="https://example.com/x">x</a></p>`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanDescription(tc.in, tc.short); got != tc.want {
				t.Errorf("got %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestIsTranslated(t *testing.T) {
	cases := []struct {
		description string
		want        bool
	}{
		{`<p>Dutch publication.</p>`, true},
		{`<p>English publication.</p>`, false},
		{`<p>Published by the Italian wing of Panini Comics.</p>`, true},
		{`<p>Spanish translation of Batman.</p>`, true},
		{`<p>German edition of Superman.</p>`, true},
		{`<p>Series of French collections.</p>`, true},
		{`<p>Collects the classic reprints.</p>`, true},
		{`<p>English reprint of the UK series.</p>`, false},
		{`<p>The origin of Superman.</p>`, false},
		{`<p>Diana of Themyscira defends the world.</p>`, false},
		{``, false},
	}

	for _, tc := range cases {
		if got := isTranslated(tc.description); got != tc.want {
			t.Errorf("isTranslated(%q) = %v, want %v", tc.description, got, tc.want)
		}
	}
}
