// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"math"
	mrand "math/rand"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
	cryptorand "github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// peersFilename is the default filename used to store the serialized peers
// state.
const peersFilename = "peers.dat"

const (
	// newBucketCount is the number of buckets that new addresses are
	// spread over.
	newBucketCount = 1024

	// triedBucketCount is the number of buckets that tried addresses are
	// spread over.
	triedBucketCount = 256

	// bucketSize is the number of slots in each new and tried bucket.
	bucketSize = 64

	// newBucketsPerAddress is the maximum number of new buckets a single
	// address may occupy when it is reported by sources in distinct
	// network groups.
	newBucketsPerAddress = 8

	// maxAddrBatchSize is the maximum number of addresses accepted in a
	// single AddAddresses call.  Larger batches are rejected outright
	// since no honest peer gossips that many addresses at once.
	maxAddrBatchSize = 1000

	// maxTimestampSkew is how far into the future a claimed last seen
	// timestamp is trusted before it is clamped.
	maxTimestampSkew = 10 * time.Minute

	// maxTimestampAge is how far into the past a claimed last seen
	// timestamp is trusted before it is clamped.
	maxTimestampAge = 10 * 24 * time.Hour

	// refreshPenalty discounts the claimed last seen time when refreshing
	// an existing entry so a flood of gossip cannot continuously renew an
	// address.
	refreshPenalty = 2 * time.Hour

	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of attempts without a single success before
	// we assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 10

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// getAddrMax is the most addresses that ever will be returned from a
	// single AddressCache call.
	getAddrMax = 2500

	// newSelectionWeight and triedSelectionWeight skew the choice between
	// the two tables during selection.  Each table is weighted by
	// sqrt(count) times its weight.
	newSelectionWeight   = 5
	triedSelectionWeight = 4

	// maxTriedCollisions is the maximum number of promotions awaiting a
	// probe of the tried entry they would evict.
	maxTriedCollisions = 10

	// triedReplacementInterval is how recently a tried entry must have
	// been successfully contacted, or probed and failed, for a pending
	// collision against it to resolve on that evidence.
	triedReplacementInterval = 4 * time.Hour

	// collisionTestWindow is how long a pending collision is held waiting
	// for the occupant to be probed before the eviction proceeds anyway.
	collisionTestWindow = 40 * time.Minute

	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to save the address cache
	// to disk for future use.
	dumpAddressInterval = time.Minute * 10
)

// newBucketArray is the fixed new table: each slot holds at most one entry.
type newBucketArray [newBucketCount][bucketSize]*KnownAddress

// triedBucketArray is the fixed tried table: each slot holds at most one
// entry.
type triedBucketArray [triedBucketCount][bucketSize]*KnownAddress

// AddrManager provides a concurrency safe address manager for caching
// potential peers of a p2p network.
type AddrManager struct {
	// mtx is used to ensure safe concurrent access to fields on an instance
	// of the address manager.  Unexported methods expect it to already be
	// held; exported methods acquire it.
	mtx sync.Mutex

	// peersFile is the path of file that the address manager's serialized
	// state is saved to and loaded from.
	peersFile string

	// lookupFunc is an optional function provided to the address manager
	// that is used to perform DNS lookups for a given hostname.
	// The provided function MUST be safe for concurrent access.
	lookupFunc func(string) ([]net.IP, error)

	// clock is the time source for every timestamp decision the address
	// manager makes.  It is injectable so tests can control time.
	clock clock.Clock

	// rand is the address manager's internal PRNG.  It is used to both
	// randomly retrieve addresses from the tables in addition to deciding
	// whether a known address is accepted to another new bucket.  Access
	// is serialized by mtx.
	rand *mrand.Rand

	// key is a random seed used to map addresses to new and tried buckets
	// via a keyed hash.  Without knowing the key an attacker cannot grind
	// addresses into a chosen bucket.
	key [32]byte

	// keySeed optionally fixes the value key is (re)initialized to.  It is
	// only set by tests that require deterministic placement.
	keySeed *[32]byte

	// addrIndex maintains an index of all addresses known to the address
	// manager, including both new and tried addresses.  The key is a
	// unique string representation of the underlying network address.
	addrIndex map[string]*KnownAddress

	// addrNew stores addresses considered newly added to the address
	// manager that have not ever been confirmed reachable.  It also serves
	// as storage for addresses that were tried but were demoted by a
	// promotion landing in their tried slot.
	addrNew newBucketArray

	// addrTried stores addresses with which a handshake has been completed
	// at least once.
	addrTried triedBucketArray

	// randomOrder is a dense slice of every known address, used for
	// uniform sampling without replacement.  Each entry records its own
	// index in the slice.
	randomOrder []*KnownAddress

	// triedCollisions holds entries whose promotion to tried would evict a
	// current occupant that has not been probed yet.
	triedCollisions []*KnownAddress

	// nTried and nNew track the number of entries currently in each table.
	nTried int
	nNew   int

	// addrChanged signals whether the address manager needs to have its
	// state serialized and saved to the file system.
	addrChanged bool

	// started signals whether the address manager has been started.  Its
	// value is 1 or more if started.
	started int32

	// shutdown signals whether a shutdown of the address manager has been
	// initiated.  Its value is 1 or more if a shutdown is done or in
	// progress.
	shutdown int32

	// The following fields are used for lifecycle management of the
	// address manager.
	wg   sync.WaitGroup
	quit chan struct{}

	// lamtx is used to protect access to the local address map.
	lamtx sync.Mutex

	// localAddresses stores all known local addresses, keyed by the
	// respective unique string representation of the network address.
	localAddresses map[string]*localAddress
}

// Config holds the configuration options related to an address manager
// instance.
type Config struct {
	// DataDir is the directory where the serialized peers state is saved
	// by Start and loaded from by Stop.
	DataDir string

	// Lookup is an optional function used to perform DNS lookups when
	// converting hostnames to network addresses.  It MUST be safe for
	// concurrent access.
	Lookup func(string) ([]net.IP, error)

	// Clock is the time source used for all timestamp decisions.  It
	// defaults to the system wall clock when nil.
	Clock clock.Clock

	// Rand is the PRNG consulted for placement and selection decisions.
	// It defaults to a PRNG seeded from a cryptographically random source
	// when nil.  The address manager serializes all access to it.
	Rand *mrand.Rand

	// Key optionally fixes the 256-bit placement hashing key.  A random
	// key is generated when nil.
	Key *[32]byte
}

// New constructs a new address manager instance with the provided
// configuration.  Use Start to begin processing asynchronous address updates.
func New(cfg *Config) *AddrManager {
	am := AddrManager{
		peersFile:      filepath.Join(cfg.DataDir, peersFilename),
		lookupFunc:     cfg.Lookup,
		clock:          cfg.Clock,
		rand:           cfg.Rand,
		keySeed:        cfg.Key,
		quit:           make(chan struct{}),
		localAddresses: make(map[string]*localAddress),
	}
	if am.clock == nil {
		am.clock = clock.NewDefaultClock()
	}
	if am.rand == nil {
		am.rand = mrand.New(mrand.NewSource(int64(cryptorand.Uint64())))
	}
	am.reset()
	return &am
}

// reset returns the address manager to the state it has immediately after
// construction: empty tables and a fresh placement key.
//
// This function MUST be called with the address manager lock held (unless the
// instance is not shared yet).
func (a *AddrManager) reset() {
	a.addrIndex = make(map[string]*KnownAddress)
	if a.keySeed != nil {
		a.key = *a.keySeed
	} else {
		cryptorand.Read(a.key[:])
	}
	a.addrNew = newBucketArray{}
	a.addrTried = triedBucketArray{}
	a.randomOrder = nil
	a.triedCollisions = nil
	a.nNew = 0
	a.nTried = 0
	a.addrChanged = true
}

// Clear discards every known address and regenerates the placement key,
// returning the address manager to its post-construction state.
//
// This function is safe for concurrent access.
func (a *AddrManager) Clear() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.reset()
}

// placementHash runs the keyed placement hash over the provided data.  The
// first 16 bytes of the 256-bit key seed the SipHash-2-4 instance.
func placementHash(key *[32]byte, data []byte) uint64 {
	k0 := binary.LittleEndian.Uint64(key[0:8])
	k1 := binary.LittleEndian.Uint64(key[8:16])
	return siphash.Hash(k0, k1, data)
}

// getNewBucket returns the new table bucket index for the provided address as
// reported by the provided source address.  The index depends only on the
// network groups of the two addresses and the secret placement key, so a
// single source group can spread one address over at most
// newBucketsPerAddress buckets, and an attacker without the key cannot grind
// addresses into a chosen bucket.
func getNewBucket(key *[32]byte, netAddr, srcAddr *NetAddress) int {
	data := make([]byte, 0, 64)
	data = append(data, "NB"...)
	data = append(data, srcAddr.GroupKey()...)
	data = append(data, netAddr.GroupKey()...)
	return int(placementHash(key, data) % newBucketCount)
}

// getTriedBucket returns the tried table bucket index for the provided
// address.
func getTriedBucket(key *[32]byte, netAddr *NetAddress) int {
	data := make([]byte, 0, 64)
	data = append(data, "TB"...)
	data = append(data, netAddr.GroupKey()...)
	data = append(data, netAddr.Key()...)
	return int(placementHash(key, data) % triedBucketCount)
}

// getBucketPosition returns the slot within the identified bucket of the
// table with the provided tag that the given address hashes to.
func getBucketPosition(key *[32]byte, tableTag string, bucket int, netAddr *NetAddress) int {
	var bucketBytes [4]byte
	binary.LittleEndian.PutUint32(bucketBytes[:], uint32(bucket))
	data := make([]byte, 0, 64)
	data = append(data, tableTag...)
	data = append(data, bucketBytes[:]...)
	data = append(data, netAddr.Key()...)
	return int(placementHash(key, data) % bucketSize)
}

// newBucket returns the new table bucket index for the provided address and
// source under the manager's current key.
func (a *AddrManager) newBucket(netAddr, srcAddr *NetAddress) int {
	return getNewBucket(&a.key, netAddr, srcAddr)
}

// triedBucket returns the tried table bucket index for the provided address
// under the manager's current key.
func (a *AddrManager) triedBucket(netAddr *NetAddress) int {
	return getTriedBucket(&a.key, netAddr)
}

// newBucketPosition returns the slot the address hashes to within the given
// new table bucket under the manager's current key.
func (a *AddrManager) newBucketPosition(bucket int, netAddr *NetAddress) int {
	return getBucketPosition(&a.key, "N", bucket, netAddr)
}

// triedBucketPosition returns the slot the address hashes to within the given
// tried table bucket under the manager's current key.
func (a *AddrManager) triedBucketPosition(bucket int, netAddr *NetAddress) int {
	return getBucketPosition(&a.key, "T", bucket, netAddr)
}

// find returns the known address for the provided network address, or nil when
// it is unknown.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) find(addr *NetAddress) *KnownAddress {
	return a.addrIndex[addr.Key()]
}

// insertRandomOrder appends the entry to the dense random order slice.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) insertRandomOrder(ka *KnownAddress) {
	ka.randomPos = len(a.randomOrder)
	a.randomOrder = append(a.randomOrder, ka)
}

// removeRandomOrder removes the entry from the dense random order slice by
// swapping the final entry into its position.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) removeRandomOrder(ka *KnownAddress) {
	last := len(a.randomOrder) - 1
	pos := ka.randomPos
	a.randomOrder[pos] = a.randomOrder[last]
	a.randomOrder[pos].randomPos = pos
	a.randomOrder[last] = nil
	a.randomOrder = a.randomOrder[:last]
	ka.randomPos = -1
}

// deleteNewEntry removes an entry that is no longer referenced by any new
// table slot from all remaining bookkeeping.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) deleteNewEntry(ka *KnownAddress) {
	delete(a.addrIndex, ka.na.Key())
	a.removeRandomOrder(ka)
	a.nNew--
	a.addrChanged = true
}

// clearNewSlot empties the identified new table slot, destroying its occupant
// entirely when this was the last slot referencing it.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) clearNewSlot(bucket, pos int) {
	occupant := a.addrNew[bucket][pos]
	if occupant == nil {
		return
	}
	a.addrNew[bucket][pos] = nil
	occupant.refs--
	a.addrChanged = true
	if occupant.refs == 0 {
		log.Tracef("Expiring address %v", occupant.na)
		a.deleteNewEntry(occupant)
	}
}

// updateAddress is a helper function to either update an address already known
// to the address manager, or to add the address if not already known.  It
// returns whether a previously unknown address was inserted and survived
// placement.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) updateAddress(netAddr, srcAddr *NetAddress, timePenalty time.Duration) bool {
	// Filter out non-routable addresses.  Note that non-routable also
	// includes invalid and local addresses.
	if !netAddr.IsRoutable() {
		return false
	}

	now := a.clock.Now()

	// Clamp the claimed last seen time to a sane window around now and
	// apply any penalty requested by the caller.
	ts := netAddr.Timestamp
	if upper := now.Add(maxTimestampSkew); ts.After(upper) {
		ts = upper
	}
	if lower := now.Add(-maxTimestampAge); ts.Before(lower) {
		ts = lower
	}
	if timePenalty > 0 {
		ts = ts.Add(-timePenalty)
	}

	created := false
	addrKey := netAddr.Key()
	ka := a.addrIndex[addrKey]
	if ka != nil {
		// Refresh the last seen time, discounted so gossip alone cannot
		// continuously renew an address, and merge the service flags.
		// Note that to prevent causing excess garbage on getaddr
		// messages the network addresses in the manager are immutable;
		// they are replaced with an updated copy when changed.
		refreshed := ts.Add(-refreshPenalty)
		if refreshed.After(ka.na.Timestamp) ||
			(ka.na.Services&netAddr.Services) != netAddr.Services {

			naCopy := ka.na.Clone()
			if refreshed.After(naCopy.Timestamp) {
				naCopy.Timestamp = refreshed
			}
			naCopy.AddService(netAddr.Services)
			ka.na = naCopy
			a.addrChanged = true
		}

		// Tried entries do not occupy new table slots.
		if ka.tried {
			return false
		}

		// Already at our max?
		if ka.refs == newBucketsPerAddress {
			return false
		}

		// The more new buckets already reference the entry, the less
		// likely it is to claim another slot.
		if a.rand.Intn(1+ka.refs) != 0 {
			return false
		}
	} else {
		naCopy := netAddr.Clone()
		naCopy.Timestamp = ts
		ka = &KnownAddress{na: naCopy, srcAddr: srcAddr.Clone()}
		a.addrIndex[addrKey] = ka
		a.insertRandomOrder(ka)
		a.nNew++
		a.addrChanged = true
		created = true
	}

	// Placement is derived from the reporting source so the same address
	// reported by different source groups spreads across multiple new
	// buckets.  The source stored on the entry keeps the original reporter
	// for later demotion from the tried table.
	bucket := a.newBucket(ka.na, srcAddr)
	pos := a.newBucketPosition(bucket, ka.na)
	if existing := a.addrNew[bucket][pos]; existing != ka {
		if existing != nil {
			// Decide between the occupant and the candidate: the
			// occupant loses its slot when it is terrible or the
			// candidate has been seen more recently.
			if existing.isTerrible(now) ||
				ka.na.Timestamp.After(existing.na.Timestamp) {

				a.clearNewSlot(bucket, pos)
			}
		}
		if a.addrNew[bucket][pos] == nil {
			a.addrNew[bucket][pos] = ka
			ka.refs++
			a.addrChanged = true
			log.Tracef("Added new address %s for a total of %d "+
				"addresses", addrKey, a.nTried+a.nNew)
		}
	}

	// A brand new entry that lost its only placement attempt is dropped
	// entirely so every new entry is referenced by at least one slot.
	if ka.refs == 0 && !ka.tried {
		a.deleteNewEntry(ka)
		return false
	}

	return created
}

// AddAddresses adds new addresses reported by the provided source to the
// address manager and refreshes the ones it already knows about.  The
// timePenalty is subtracted from each claimed last seen time.  It enforces a
// maximum batch size and silently ignores unroutable and duplicate addresses.
// The return value is the number of previously unknown addresses inserted.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []*NetAddress, srcAddr *NetAddress, timePenalty time.Duration) uint32 {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(addrs) > maxAddrBatchSize {
		log.Warnf("Ignoring %d-address batch from %s (limit %d)",
			len(addrs), srcAddr, maxAddrBatchSize)
		return 0
	}

	var added uint32
	for _, na := range addrs {
		if a.updateAddress(na, srcAddr, timePenalty) {
			added++
		}
	}
	return added
}

// AddAddress adds a single new address to the address manager.  It returns
// whether the address was previously unknown and inserted.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddAddress(addr, srcAddr *NetAddress) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.updateAddress(addr, srcAddr, 0)
}

// numAddresses returns the number of addresses known to the address manager.
//
// This function MUST be called with the address manager lock held (for reads).
func (a *AddrManager) numAddresses() int {
	return a.nTried + a.nNew
}

// NumAddresses returns the number of addresses known to the address manager.
//
// This function is safe for concurrent access.
func (a *AddrManager) NumAddresses() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses()
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses() < needAddressThreshold
}

// Attempt notes a connection attempt to the provided known address: the last
// attempt time is set to the current time and, when countFailure is set, the
// failed attempt counter is incremented.  If the address is unknown then an
// error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Attempt(addr *NetAddress, countFailure bool) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		str := fmt.Sprintf("address %s not found", addr)
		return makeError(ErrAddressNotFound, str)
	}

	ka.lastattempt = a.clock.Now()
	if countFailure {
		ka.attempts++
	}
	a.addrChanged = true
	return nil
}

// Connected marks the provided known address as connected and working at the
// current time.  If the address is unknown then an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Connected(addr *NetAddress) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		str := fmt.Sprintf("address %s not found", addr)
		return makeError(ErrAddressNotFound, str)
	}

	// Update the time as long as it has been 20 minutes since last we did
	// so.
	now := a.clock.Now()
	if now.After(ka.na.Timestamp.Add(time.Minute * 20)) {
		// ka.na is immutable, so replace it.
		naCopy := ka.na.Clone()
		naCopy.Timestamp = now
		ka.na = naCopy
		a.addrChanged = true
	}
	return nil
}

// SetServices sets the services field of the provided known address to the
// given value.
//
// This function is safe for concurrent access.
func (a *AddrManager) SetServices(addr *NetAddress, services wire.ServiceFlag) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		str := fmt.Sprintf("address %s not found", addr)
		return makeError(ErrAddressNotFound, str)
	}

	if ka.na.Services != services {
		// ka.na is immutable, so replace it.
		naCopy := ka.na.Clone()
		naCopy.Services = services
		ka.na = naCopy
		a.addrChanged = true
	}
	return nil
}

// Good marks the provided known address as good.  This should be called after
// a successful outbound connection and version exchange with a peer.  The
// address is moved into the tried table when it is not there already.  When
// the destination tried slot is occupied and testBeforeEvict is set, the
// promotion is queued until the occupant has been probed (see
// SelectTriedCollision and ResolveCollisions); otherwise the occupant is
// demoted back to the new table immediately.  If the address is unknown then
// an error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) Good(addr *NetAddress, testBeforeEvict bool) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		str := fmt.Sprintf("address %s not found", addr)
		return makeError(ErrAddressNotFound, str)
	}

	a.markGood(ka, testBeforeEvict)
	return nil
}

// markGood records a completed handshake on the entry and promotes it into
// the tried table, queueing the promotion instead when it collides with an
// untested occupant and testBeforeEvict is set.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) markGood(ka *KnownAddress, testBeforeEvict bool) {
	now := a.clock.Now()
	naCopy := ka.na.Clone()
	naCopy.Timestamp = now
	ka.na = naCopy
	ka.lastattempt = now
	ka.lastsuccess = now
	ka.attempts = 0
	a.addrChanged = true

	// If the address is already tried then there is nothing left to do.
	if ka.tried {
		return
	}

	bucket := a.triedBucket(ka.na)
	pos := a.triedBucketPosition(bucket, ka.na)
	if existing := a.addrTried[bucket][pos]; existing != nil {
		if testBeforeEvict {
			// Defer the eviction until the occupant has been
			// probed.  The queue is bounded; beyond that the
			// promotion is simply dropped until a later Good call.
			if len(a.triedCollisions) < maxTriedCollisions &&
				!a.isCollisionPending(ka) {

				a.triedCollisions = append(a.triedCollisions, ka)
				log.Tracef("Queued collision between %s and %s",
					ka.na, existing.na)
			}
			return
		}
	}
	a.promoteToTried(ka, bucket, pos)
}

// promoteToTried moves the entry into the provided tried slot.  The entry is
// first removed from every new table slot referencing it, and only then is
// any current occupant of the tried slot demoted back to the new table, so
// the demotion cannot disturb a slot the entry still holds.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) promoteToTried(ka *KnownAddress, bucket, pos int) {
	// The slot an address occupies within a bucket is fully determined by
	// the address, so only a single position per bucket needs checking.
	for b := 0; b < newBucketCount && ka.refs > 0; b++ {
		p := a.newBucketPosition(b, ka.na)
		if a.addrNew[b][p] == ka {
			a.addrNew[b][p] = nil
			ka.refs--
		}
	}
	a.nNew--

	if a.addrTried[bucket][pos] != nil {
		a.demoteFromTried(bucket, pos)
	}

	ka.tried = true
	a.addrTried[bucket][pos] = ka
	a.nTried++
	a.addrChanged = true

	log.Tracef("Address %s moved to tried", ka.na)
}

// demoteFromTried empties the provided tried slot by moving its occupant back
// to the new table.  The new slot the occupant hashes to (from its original
// source) is cleared first when something else occupies it.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) demoteFromTried(bucket, pos int) {
	ka := a.addrTried[bucket][pos]
	a.addrTried[bucket][pos] = nil
	ka.tried = false
	a.nTried--

	nb := a.newBucket(ka.na, ka.srcAddr)
	np := a.newBucketPosition(nb, ka.na)
	a.clearNewSlot(nb, np)
	a.addrNew[nb][np] = ka
	ka.refs++
	a.nNew++
	a.addrChanged = true

	log.Tracef("Address %s demoted from tried", ka.na)
}

// isCollisionPending returns whether the entry is already queued awaiting
// collision resolution.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) isCollisionPending(ka *KnownAddress) bool {
	for _, pending := range a.triedCollisions {
		if pending == ka {
			return true
		}
	}
	return false
}

// SelectTriedCollision returns a copy of a tried entry that a queued
// promotion would evict, so the caller can probe whether it is still
// reachable before ResolveCollisions decides its fate.  It returns nil when
// no collisions are pending.
//
// This function is safe for concurrent access.
func (a *AddrManager) SelectTriedCollision() *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(a.triedCollisions) == 0 {
		return nil
	}

	ka := a.triedCollisions[a.rand.Intn(len(a.triedCollisions))]
	bucket := a.triedBucket(ka.na)
	pos := a.triedBucketPosition(bucket, ka.na)
	existing := a.addrTried[bucket][pos]
	if existing == nil {
		return nil
	}
	return existing.clone()
}

// ResolveCollisions walks the pending collision queue and resolves every
// entry for which there is now enough evidence: the contested slot freed up,
// the occupant proved itself recently, the occupant was probed and failed, or
// nobody probed the occupant within the test window.
//
// This function is safe for concurrent access.
func (a *AddrManager) ResolveCollisions() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := a.clock.Now()
	remaining := a.triedCollisions[:0]
	for _, ka := range a.triedCollisions {
		// Entries that were destroyed, replaced, or promoted through
		// another path since queueing are already resolved.
		if a.addrIndex[ka.na.Key()] != ka || ka.tried {
			continue
		}

		bucket := a.triedBucket(ka.na)
		pos := a.triedBucketPosition(bucket, ka.na)
		existing := a.addrTried[bucket][pos]
		switch {
		// The contested slot freed up.
		case existing == nil:
			a.promoteToTried(ka, bucket, pos)

		// The occupant completed a handshake recently, so it keeps the
		// slot and the candidate claim is dropped.
		case !existing.lastsuccess.IsZero() &&
			now.Sub(existing.lastsuccess) < triedReplacementInterval:

		// The occupant was probed since its last success and failed.
		case existing.lastattempt.After(existing.lastsuccess) &&
			now.Sub(existing.lastattempt) < triedReplacementInterval:

			a.promoteToTried(ka, bucket, pos)

		// Nobody probed the occupant in time; evict it regardless
		// rather than holding the candidate forever.
		case now.Sub(ka.lastsuccess) > collisionTestWindow:
			a.promoteToTried(ka, bucket, pos)

		default:
			remaining = append(remaining, ka)
		}
	}
	a.triedCollisions = remaining
}

// Select returns a copy of a known address chosen at random with a bias
// toward entries that have worked recently and have not failed repeatedly.
// The tried and new tables are chosen from in proportion to the square root
// of their sizes with a slight preference for new entries; set newOnly to
// restrict the draw to the new table.  It returns nil when no eligible
// address exists.
//
// This function is safe for concurrent access.
func (a *AddrManager) Select(newOnly bool) *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.selectAddress(newOnly)
}

// selectAddress performs the biased random draw described by Select.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) selectAddress(newOnly bool) *KnownAddress {
	if a.numAddresses() == 0 {
		return nil
	}
	if newOnly && a.nNew == 0 {
		return nil
	}

	// Weigh each table by the square root of its size; fall back to the
	// other table when the chosen one is empty.
	useTried := false
	if !newOnly && a.nTried > 0 {
		if a.nNew == 0 {
			useTried = true
		} else {
			triedPart := math.Sqrt(float64(a.nTried)) * triedSelectionWeight
			newPart := math.Sqrt(float64(a.nNew)) * newSelectionWeight
			useTried = a.rand.Float64()*(triedPart+newPart) < triedPart
		}
	}

	now := a.clock.Now()
	for {
		// Pick a random slot, scanning forward within the bucket from a
		// random starting position so a single occupied slot in the
		// bucket suffices.
		var ka *KnownAddress
		pos := a.rand.Intn(bucketSize)
		if useTried {
			bucket := a.rand.Intn(triedBucketCount)
			for i := 0; i < bucketSize; i++ {
				if e := a.addrTried[bucket][(pos+i)%bucketSize]; e != nil {
					ka = e
					break
				}
			}
		} else {
			bucket := a.rand.Intn(newBucketCount)
			for i := 0; i < bucketSize; i++ {
				if e := a.addrNew[bucket][(pos+i)%bucketSize]; e != nil {
					ka = e
					break
				}
			}
		}
		if ka == nil {
			continue
		}

		// Accept the candidate with a probability based on its quality.
		if a.rand.Float64() < ka.chance(now) {
			log.Tracef("Selected %v", ka.na)
			return ka.clone()
		}
	}
}

// AddressCache returns a randomized subset of all currently known addresses,
// excluding ones judged worthless.  The number returned is capped by
// maxCount, by maxPct percent of the total (when maxPct is nonzero), and by a
// hard upper limit.  The sample is drawn without replacement and repeated
// calls do not perturb observable state.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddressCache(maxCount, maxPct int) []*NetAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	total := len(a.randomOrder)
	if total == 0 {
		return nil
	}

	limit := total
	if maxPct > 0 {
		if maxPct > 100 {
			maxPct = 100
		}
		if pct := total * maxPct / 100; pct < limit {
			limit = pct
		}
	}
	if maxCount > 0 && maxCount < limit {
		limit = maxCount
	}
	if limit > getAddrMax {
		limit = getAddrMax
	}

	// Partial Fisher-Yates shuffle over a copy so the stored order is left
	// alone.  Worthless entries still consume shuffle positions, matching
	// a uniform draw over the survivors.
	shuffled := make([]*KnownAddress, total)
	copy(shuffled, a.randomOrder)

	now := a.clock.Now()
	addrs := make([]*NetAddress, 0, limit)
	for i := 0; i < total && len(addrs) < limit; i++ {
		j := a.rand.Intn(total-i) + i
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		ka := shuffled[i]
		if ka.isTerrible(now) {
			continue
		}
		addrs = append(addrs, ka.na.Clone())
	}
	return addrs
}

// HostToNetAddress parses and returns a network address given a hostname in a
// supported format (IPv4, IPv6, Tor).  If the hostname cannot be immediately
// converted from a known address format, it will be resolved using the lookup
// function provided to the address manager.  If it cannot be resolved, an
// error is returned.
//
// This function is safe for concurrent access.
func (a *AddrManager) HostToNetAddress(host string, port uint16, services wire.ServiceFlag) (*NetAddress, error) {
	// Tor address is 16 char base32 + ".onion".
	var ip net.IP
	if len(host) == 22 && strings.HasSuffix(host, ".onion") {
		// Go base32 encoding uses capitals (as does the RFC), but Tor
		// addresses tend toward lowercase, so switch case here.
		data, err := base32.StdEncoding.DecodeString(
			strings.ToUpper(host[:16]))
		if err != nil {
			return nil, err
		}
		prefix := []byte{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43}
		ip = net.IP(append(prefix, data...))
	} else if ip = net.ParseIP(host); ip == nil {
		if a.lookupFunc == nil {
			str := fmt.Sprintf("unable to resolve %q: no lookup "+
				"function available", host)
			return nil, makeError(ErrUnknownAddressType, str)
		}
		ips, err := a.lookupFunc(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses found for %s", host)
		}
		ip = ips[0]
	}

	return NewNetAddressIPPort(ip, port, services), nil
}

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
	dumpAddressTicker := time.NewTicker(dumpAddressInterval)
	defer dumpAddressTicker.Stop()
out:
	for {
		select {
		case <-dumpAddressTicker.C:
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	a.wg.Done()
	log.Trace("Address handler done")
}

// Start begins the core address handler which manages a pool of known
// addresses, timeouts, and interval based writes.  If the address manager is
// starting or has already been started, invoking this method has no effect.
//
// This function is safe for concurrent access.
func (a *AddrManager) Start() {
	// Return early if the address manager has already been started.
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Trace("Starting address manager")

	// Load peers we already know about from file.
	a.loadPeers()

	// Start the address ticker to save addresses periodically.
	a.wg.Add(1)
	go a.addressHandler()
}

// Stop gracefully shuts down the address manager by stopping the main handler.
//
// This function is safe for concurrent access.
func (a *AddrManager) Stop() error {
	// Return early if the address manager has already been stopped.
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()
	return nil
}
