// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import "testing"

// TestParseSemVer ensures the semantic version parsing works as intended for
// both well formed and malformed version strings.
func TestParseSemVer(t *testing.T) {
	tests := []struct {
		ver     string
		major   uint
		minor   uint
		patch   uint
		preRel  string
		build   string
		wantErr bool
	}{{
		ver:   "1.0.0",
		major: 1,
	}, {
		ver:   "1.22.33",
		major: 1, minor: 22, patch: 33,
	}, {
		ver:   "1.0.0-pre",
		major: 1, preRel: "pre",
	}, {
		ver:   "1.0.0-alpha.1",
		major: 1, preRel: "alpha.1",
	}, {
		ver:   "1.0.0+build.5",
		major: 1, build: "build.5",
	}, {
		ver:   "1.0.0-rc.1+git.abcdef",
		major: 1, preRel: "rc.1", build: "git.abcdef",
	}, {
		ver:     "1.0",
		wantErr: true,
	}, {
		ver:     "01.0.0",
		wantErr: true,
	}, {
		ver:     "1.0.0-",
		wantErr: true,
	}, {
		ver:     "not-a-version",
		wantErr: true,
	}}

	for _, test := range tests {
		major, minor, patch, preRel, build, err := parseSemVer(test.ver)
		if test.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", test.ver)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", test.ver, err)
			continue
		}
		if major != test.major || minor != test.minor || patch != test.patch {
			t.Errorf("%q: got %d.%d.%d, want %d.%d.%d", test.ver, major,
				minor, patch, test.major, test.minor, test.patch)
		}
		if preRel != test.preRel {
			t.Errorf("%q: got pre-release %q, want %q", test.ver, preRel,
				test.preRel)
		}
		if build != test.build {
			t.Errorf("%q: got build metadata %q, want %q", test.ver, build,
				test.build)
		}
	}
}

// TestNormalizeString ensures the normalization of strings for use in version
// components works as intended.
func TestNormalizeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"a b c", "abc"},
		{"a_b!c", "abc"},
		{"release.local", "release.local"},
		{"v1.0.0", "v1.0.0"},
	}

	for _, test := range tests {
		if got := NormalizeString(test.in); got != test.want {
			t.Errorf("%q: got %q, want %q", test.in, got, test.want)
		}
	}
}
