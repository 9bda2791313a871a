// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"time"
)

// KnownAddress tracks information about a known network address that is used
// to determine how viable an address is.
//
// All fields are protected by the address manager mutex.  Instances handed out
// across the public API are copies and therefore only reflect a snapshot of
// the state at the time they were made.
type KnownAddress struct {
	// na is the primary network address that the known address represents.
	// Its timestamp is the last time the address was seen.
	na *NetAddress

	// srcAddr is the network address of the peer that suggested the primary
	// network address.  It determines the new bucket the address is placed
	// in and is never updated once set.
	srcAddr *NetAddress

	// The following fields track the attempts made to connect to the primary
	// network address.  Initially connecting to a peer counts as an attempt,
	// and a successful version message exchange resets the number of attempts
	// to zero.
	attempts    int
	lastattempt time.Time
	lastsuccess time.Time

	// tried indicates whether the address currently occupies a tried table
	// slot.
	tried bool

	// refs is the total number of new table slots that currently reference
	// the known address.  It is zero while the address is tried and between
	// one and newBucketsPerAddress otherwise.
	refs int

	// randomPos is the index of the known address in the dense random order
	// slice maintained by the address manager for uniform sampling.
	randomPos int
}

// NetAddress returns the network address associated with the known address.
func (ka *KnownAddress) NetAddress() *NetAddress {
	return ka.na
}

// SrcAddress returns the network address of the peer that suggested the known
// address.
func (ka *KnownAddress) SrcAddress() *NetAddress {
	return ka.srcAddr
}

// Attempts returns the number of failed connection attempts since the last
// success.
func (ka *KnownAddress) Attempts() int {
	return ka.attempts
}

// LastAttempt returns the last time the known address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	return ka.lastattempt
}

// LastSuccess returns the last time a connection to the known address
// completed a handshake.
func (ka *KnownAddress) LastSuccess() time.Time {
	return ka.lastsuccess
}

// Tried returns whether the known address currently occupies a tried table
// slot.
func (ka *KnownAddress) Tried() bool {
	return ka.tried
}

// clone returns a copy of the known address suitable for handing out across
// the address manager lock boundary.
func (ka *KnownAddress) clone() *KnownAddress {
	kaCopy := *ka
	kaCopy.na = ka.na.Clone()
	kaCopy.srcAddr = ka.srcAddr.Clone()
	return &kaCopy
}

// chance returns the selection probability for a known address relative to the
// provided time.  The priority depends upon how recently the address was
// successfully contacted and how often attempts to connect to it have failed.
func (ka *KnownAddress) chance(now time.Time) float64 {
	// Exponential backoff on failed attempts, capped so repeatedly failing
	// addresses are still selected eventually.
	const maxBackoffAttempts = 8
	attempts := ka.attempts
	if attempts > maxBackoffAttempts {
		attempts = maxBackoffAttempts
	}
	c := 0.01 * math.Pow(2, -float64(attempts))

	// Addresses that very recently completed a handshake are given a large
	// boost since they are almost certainly still reachable.
	if !ka.lastsuccess.IsZero() && now.Sub(ka.lastsuccess) < 10*time.Minute {
		c *= 10
	}

	return math.Min(c, 1.0)
}

// isTerrible returns true relative to the provided time if the address in
// question has not been tried in the last minute and meets one of the
// following criteria:
// 1) It claims to be from the future
// 2) It hasn't been seen in over a month
// 3) It has failed at least three times and never succeeded
// 4) It has failed a total of maxFailures times without a success in the
// last week
// An address that meets any of these criteria is assumed to be worthless and
// is the preferred eviction victim.
func (ka *KnownAddress) isTerrible(now time.Time) bool {
	switch {
	// Wait a minute after the last attempt before writing it off.
	case ka.attempts > 0 && ka.lastattempt.After(now.Add(-1*time.Minute)):
		return false

	// From the future?
	case ka.na.Timestamp.After(now.Add(10 * time.Minute)):
		return true

	// Never seen or over a month old?
	case ka.na.Timestamp.IsZero() ||
		now.Sub(ka.na.Timestamp) > numMissingDays*24*time.Hour:
		return true

	// Never succeeded?
	case ka.lastsuccess.IsZero() && ka.attempts >= numRetries:
		return true

	// Hasn't succeeded in too long?
	case now.Sub(ka.lastsuccess) > minBadDays*24*time.Hour &&
		ka.attempts >= maxFailures:
		return true

	default:
		return false
	}
}
