// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package name implements the hierarchical names used throughout chronosync:
// device names, locators, action names, and wire names of the form
// <hint?>/<device>/<app>/{action,file}/... The join/split conventions mirror
// the teacher's naming.Join/naming.SplitAddressName usage in vsync/util.go,
// reimplemented locally since v23/naming is not part of the retrieval pack.
package name

import "strings"

const sep = "/"

// Name is a hierarchical name: an ordered sequence of components.
type Name []string

// Parse splits a slash-separated wire string into a Name, dropping empty
// leading/trailing components produced by a leading/trailing slash.
func Parse(s string) Name {
	parts := strings.Split(s, sep)
	out := make(Name, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// String renders the name back to its wire form.
func (n Name) String() string {
	return sep + strings.Join(n, sep)
}

// Join parses each string as a slash-separated name and concatenates the
// resulting components into a single Name.
func Join(parts ...string) Name {
	n := make(Name, 0, len(parts))
	for _, p := range parts {
		n = append(n, Parse(p)...)
	}
	return n
}

// Append returns a new Name with extra components appended.
func (n Name) Append(parts ...string) Name {
	out := make(Name, 0, len(n)+len(parts))
	out = append(out, n...)
	out = append(out, parts...)
	return out
}

// HasPrefix reports whether n begins with the components of prefix.
func (n Name) HasPrefix(prefix Name) bool {
	if len(prefix) > len(n) {
		return false
	}
	for i, p := range prefix {
		if n[i] != p {
			return false
		}
	}
	return true
}

// Suffix returns the components of n following the first len(prefix)
// components; the components themselves are not compared. Panics if prefix
// is longer than n; callers should check HasPrefix first.
func (n Name) Suffix(prefix Name) Name {
	return n[len(prefix):]
}

// Equal reports whether two names have identical components.
func (n Name) Equal(o Name) bool {
	if len(n) != len(o) {
		return false
	}
	for i := range n {
		if n[i] != o[i] {
			return false
		}
	}
	return true
}

// Encode produces the deterministic wire-encoded bytes for a name, used as
// input to the root-digest hash (spec §3 "wire-encoded name").
func (n Name) Encode() []byte {
	return []byte(n.String())
}

// ActionName builds <device>/<app>/action/<folder>/<seq> (spec §3).
func ActionName(device Name, app, folder string, seq uint64) Name {
	return device.Append(app, "action", folder, seqStr(seq))
}

// FileSegmentName builds <device>/<app>/file/<hash>/<segment> (spec §6).
func FileSegmentName(device Name, app, hashHex string, segment uint64) Name {
	return device.Append(app, "file", hashHex, seqStr(segment))
}

// SyncInterestName builds <sync_prefix>/<root_digest_hex> (spec §6).
func SyncInterestName(syncPrefix Name, digestHex string) Name {
	return syncPrefix.Append(digestHex)
}

// RecoveryInterestName builds <sync_prefix>/RECOVER/<unknown_digest_hex>.
func RecoveryInterestName(syncPrefix Name, digestHex string) Name {
	return syncPrefix.Append("RECOVER", digestHex)
}

func seqStr(v uint64) string {
	const digits = "0123456789"
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf[i:])
}
