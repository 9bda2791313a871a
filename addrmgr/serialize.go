// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/decred/dcrd/wire"
)

// The peers state is serialized as a deterministic byte stream:
//
//	version            1 byte   (currently 1)
//	key                32 bytes (the placement hashing key)
//	new count          4 bytes  (entries currently in the new table)
//	tried count        4 bytes  (entries currently in the tried table)
//	new bucket count   4 bytes  (stored for validation; placements are
//	                            rebuilt when it differs from the compiled
//	                            value)
//	entries            72 bytes each, in random order:
//	                     address(18) source(18) services(8) last seen(8)
//	                     last attempt(8) last success(8) attempts(4)
//	new slot ref count 4 bytes  (one entry may hold several new slots)
//	new slot refs      12 bytes each: bucket(4) slot(4) entry index(4)
//	tried slot refs    12 bytes each, exactly tried count of them
//	checksum           32 bytes (SHA-256 of everything above)
//
// All integers are little endian except ports, which are big endian inside
// the 18-byte address form.  Absent timestamps are stored as zero seconds.
const (
	// serializationVersion is the current version of the on-disk format.
	serializationVersion = 1

	// serializedEntrySize is the size of a single serialized entry record.
	serializedEntrySize = 2*serializedNetAddressSize + 8 + 3*8 + 4

	// serializedSlotRefSize is the size of a single slot reference triple.
	serializedSlotRefSize = 12

	// serializedHeaderSize is the size of the fixed header preceding the
	// entry records.
	serializedHeaderSize = 1 + 32 + 4 + 4 + 4
)

// putUint32 appends a little endian uint32 to the buffer.
func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// putUint64 appends a little endian uint64 to the buffer.
func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// unixOrZero maps the zero time to zero seconds so absent timestamps survive
// a round trip.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// timeFromUnix is the inverse of unixOrZero.
func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// serializePeersState encodes the entire address manager state, including the
// trailing checksum.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) serializePeersState() []byte {
	var buf bytes.Buffer
	buf.Grow(serializedHeaderSize + len(a.randomOrder)*serializedEntrySize)

	buf.WriteByte(serializationVersion)
	buf.Write(a.key[:])
	putUint32(&buf, uint32(a.nNew))
	putUint32(&buf, uint32(a.nTried))
	putUint32(&buf, uint32(newBucketCount))

	// Entries are written in random order, which both keeps the stream
	// deterministic for a given state and lets the order itself round
	// trip.
	indices := make(map[*KnownAddress]uint32, len(a.randomOrder))
	for i, ka := range a.randomOrder {
		indices[ka] = uint32(i)

		addrRaw := ka.na.rawBytes()
		buf.Write(addrRaw[:])
		srcRaw := ka.srcAddr.rawBytes()
		buf.Write(srcRaw[:])
		putUint64(&buf, uint64(ka.na.Services))
		putUint64(&buf, uint64(unixOrZero(ka.na.Timestamp)))
		putUint64(&buf, uint64(unixOrZero(ka.lastattempt)))
		putUint64(&buf, uint64(unixOrZero(ka.lastsuccess)))
		putUint32(&buf, uint32(ka.attempts))
	}

	var newRefs uint32
	for _, ka := range a.randomOrder {
		if !ka.tried {
			newRefs += uint32(ka.refs)
		}
	}
	putUint32(&buf, newRefs)
	for b := range a.addrNew {
		for p, ka := range a.addrNew[b] {
			if ka == nil {
				continue
			}
			putUint32(&buf, uint32(b))
			putUint32(&buf, uint32(p))
			putUint32(&buf, indices[ka])
		}
	}
	for b := range a.addrTried {
		for p, ka := range a.addrTried[b] {
			if ka == nil {
				continue
			}
			putUint32(&buf, uint32(b))
			putUint32(&buf, uint32(p))
			putUint32(&buf, indices[ka])
		}
	}

	checksum := sha256.Sum256(buf.Bytes())
	buf.Write(checksum[:])
	return buf.Bytes()
}

// slotRef is a decoded slot reference triple.
type slotRef struct {
	bucket uint32
	pos    uint32
	index  uint32
}

// deserializePeersState decodes a serialized peers state and, only when the
// entire stream validates, replaces the current state with it.  The manager
// is left untouched on any error.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) deserializePeersState(data []byte) error {
	if len(data) < serializedHeaderSize+4+sha256.Size {
		str := fmt.Sprintf("peers state too short: %d bytes", len(data))
		return makeError(ErrMalformedPeersState, str)
	}

	payload := data[:len(data)-sha256.Size]
	var checksum [sha256.Size]byte
	copy(checksum[:], data[len(data)-sha256.Size:])
	if sha256.Sum256(payload) != checksum {
		return makeError(ErrChecksumMismatch, "peers state checksum mismatch")
	}

	if payload[0] != serializationVersion {
		str := fmt.Sprintf("unknown peers state version %d", payload[0])
		return makeError(ErrUnsupportedVersion, str)
	}

	var key [32]byte
	copy(key[:], payload[1:33])
	newCount := binary.LittleEndian.Uint32(payload[33:37])
	triedCount := binary.LittleEndian.Uint32(payload[37:41])
	storedBuckets := binary.LittleEndian.Uint32(payload[41:45])

	const maxEntries = (newBucketCount + triedBucketCount) * bucketSize * 8
	total := uint64(newCount) + uint64(triedCount)
	if total > maxEntries {
		str := fmt.Sprintf("impossible entry count %d", total)
		return makeError(ErrMalformedPeersState, str)
	}

	offset := uint64(serializedHeaderSize)
	entriesLen := total * serializedEntrySize
	if uint64(len(payload)) < offset+entriesLen+4 {
		return makeError(ErrMalformedPeersState, "truncated entry records")
	}

	entries := make([]*KnownAddress, 0, total)
	index := make(map[string]*KnownAddress, total)
	for i := uint64(0); i < total; i++ {
		rec := payload[offset : offset+serializedEntrySize]
		offset += serializedEntrySize

		var addrRaw, srcRaw [serializedNetAddressSize]byte
		copy(addrRaw[:], rec[0:18])
		copy(srcRaw[:], rec[18:36])
		services := wire.ServiceFlag(binary.LittleEndian.Uint64(rec[36:44]))
		lastSeen := timeFromUnix(int64(binary.LittleEndian.Uint64(rec[44:52])))
		lastAttempt := timeFromUnix(int64(binary.LittleEndian.Uint64(rec[52:60])))
		lastSuccess := timeFromUnix(int64(binary.LittleEndian.Uint64(rec[60:68])))
		attempts := binary.LittleEndian.Uint32(rec[68:72])

		na := newNetAddressFromRawBytes(addrRaw, lastSeen, services)
		srcAddr := newNetAddressFromRawBytes(srcRaw, lastSeen, 0)
		ka := &KnownAddress{
			na:          na,
			srcAddr:     srcAddr,
			attempts:    int(attempts),
			lastattempt: lastAttempt,
			lastsuccess: lastSuccess,
		}
		addrKey := na.Key()
		if _, ok := index[addrKey]; ok {
			str := fmt.Sprintf("duplicate address %s in peers state",
				addrKey)
			return makeError(ErrMalformedPeersState, str)
		}
		index[addrKey] = ka
		entries = append(entries, ka)
	}

	newRefCount := uint64(binary.LittleEndian.Uint32(payload[offset : offset+4]))
	offset += 4
	refsLen := (newRefCount + uint64(triedCount)) * serializedSlotRefSize
	if uint64(len(payload)) != offset+refsLen {
		return makeError(ErrMalformedPeersState, "slot reference length mismatch")
	}

	readRef := func() slotRef {
		r := slotRef{
			bucket: binary.LittleEndian.Uint32(payload[offset : offset+4]),
			pos:    binary.LittleEndian.Uint32(payload[offset+4 : offset+8]),
			index:  binary.LittleEndian.Uint32(payload[offset+8 : offset+12]),
		}
		offset += serializedSlotRefSize
		return r
	}

	newRefs := make([]slotRef, 0, newRefCount)
	for i := uint64(0); i < newRefCount; i++ {
		ref := readRef()
		if uint64(ref.index) >= total {
			return makeError(ErrMalformedPeersState,
				"new slot reference to unknown entry")
		}
		newRefs = append(newRefs, ref)
	}
	triedRefs := make([]slotRef, 0, triedCount)
	for i := uint32(0); i < triedCount; i++ {
		ref := readRef()
		if uint64(ref.index) >= total {
			return makeError(ErrMalformedPeersState,
				"tried slot reference to unknown entry")
		}
		triedRefs = append(triedRefs, ref)
	}

	var addrNew newBucketArray
	var addrTried triedBucketArray

	// When the stored table dimensions match the compiled constants the
	// stored placements are trusted as-is; otherwise every placement is
	// rebuilt from the hasher and entries that no longer fit are dropped.
	rebuild := storedBuckets != newBucketCount
	if !rebuild {
		for _, ref := range triedRefs {
			if ref.bucket >= triedBucketCount || ref.pos >= bucketSize {
				return makeError(ErrMalformedPeersState,
					"tried slot reference out of range")
			}
			ka := entries[ref.index]
			if ka.tried || ka.refs != 0 {
				return makeError(ErrMalformedPeersState,
					"entry is both new and tried")
			}
			if addrTried[ref.bucket][ref.pos] != nil {
				return makeError(ErrMalformedPeersState,
					"tried slot referenced twice")
			}
			ka.tried = true
			addrTried[ref.bucket][ref.pos] = ka
		}
		for _, ref := range newRefs {
			if ref.bucket >= newBucketCount || ref.pos >= bucketSize {
				return makeError(ErrMalformedPeersState,
					"new slot reference out of range")
			}
			ka := entries[ref.index]
			if ka.tried {
				return makeError(ErrMalformedPeersState,
					"entry is both new and tried")
			}
			if ka.refs >= newBucketsPerAddress {
				return makeError(ErrMalformedPeersState,
					"entry referenced by too many new slots")
			}
			if addrNew[ref.bucket][ref.pos] != nil {
				return makeError(ErrMalformedPeersState,
					"new slot referenced twice")
			}
			ka.refs++
			addrNew[ref.bucket][ref.pos] = ka
		}
		for _, ka := range entries {
			if !ka.tried && ka.refs == 0 {
				return makeError(ErrMalformedPeersState,
					"entry with no slot references")
			}
		}
	} else {
		log.Warnf("Stored bucket count %d differs from %d; rebuilding "+
			"placements", storedBuckets, newBucketCount)
		triedSet := make(map[uint32]bool, len(triedRefs))
		for _, ref := range triedRefs {
			triedSet[ref.index] = true
		}
		kept := entries[:0]
		for i, ka := range entries {
			if triedSet[uint32(i)] {
				b := getTriedBucket(&key, ka.na)
				p := getBucketPosition(&key, "T", b, ka.na)
				if addrTried[b][p] == nil {
					ka.tried = true
					addrTried[b][p] = ka
					kept = append(kept, ka)
					continue
				}
				// Fall through to a new table placement when
				// the rebuilt tried slot is taken.
			}
			b := getNewBucket(&key, ka.na, ka.srcAddr)
			p := getBucketPosition(&key, "N", b, ka.na)
			if addrNew[b][p] != nil {
				delete(index, ka.na.Key())
				continue
			}
			ka.refs = 1
			addrNew[b][p] = ka
			kept = append(kept, ka)
		}
		entries = kept
	}

	// The stream validated; commit the rebuilt state.
	a.key = key
	a.addrIndex = index
	a.addrNew = addrNew
	a.addrTried = addrTried
	a.randomOrder = make([]*KnownAddress, len(entries))
	a.nNew = 0
	a.nTried = 0
	for i, ka := range entries {
		ka.randomPos = i
		a.randomOrder[i] = ka
		if ka.tried {
			a.nTried++
		} else {
			a.nNew++
		}
	}
	a.triedCollisions = nil
	a.addrChanged = true
	return nil
}

// Serialize writes the complete state of the address manager to the provided
// writer in the deterministic format described above.  The byte stream is
// assembled while the lock is held and written out after it is released.
//
// This function is safe for concurrent access.
func (a *AddrManager) Serialize(w io.Writer) error {
	a.mtx.Lock()
	data := a.serializePeersState()
	a.mtx.Unlock()

	_, err := w.Write(data)
	return err
}

// Deserialize replaces the state of the address manager with a state
// previously written by Serialize.  When the stream fails validation for any
// reason an error is returned and the previous state is retained.
//
// This function is safe for concurrent access.
func (a *AddrManager) Deserialize(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.deserializePeersState(data)
}

// savePeers saves all the known addresses to a file so they can be read back
// in at next run.  The file I/O happens outside the address manager lock.
func (a *AddrManager) savePeers() {
	a.mtx.Lock()
	if !a.addrChanged {
		// Nothing changed since last savePeers call.
		a.mtx.Unlock()
		return
	}
	data := a.serializePeersState()
	a.addrChanged = false
	a.mtx.Unlock()

	// Write temporary peers file and then move it into place.
	tmpfile := a.peersFile + ".new"
	if err := os.WriteFile(tmpfile, data, 0644); err != nil {
		log.Errorf("Error writing file %s: %v", tmpfile, err)
		return
	}
	if err := os.Rename(tmpfile, a.peersFile); err != nil {
		log.Errorf("Error writing file %s: %v", a.peersFile, err)
	}
}

// loadPeers loads the known addresses from a saved file.  If the file is
// empty, missing, or malformed then the address manager starts empty.
func (a *AddrManager) loadPeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	err := a.deserializePeersFile(a.peersFile)
	if err != nil {
		log.Errorf("Failed to parse file %s: %v", a.peersFile, err)
		// if it is invalid we nuke the old one unconditionally.
		if err := os.Remove(a.peersFile); err != nil {
			log.Warnf("Failed to remove corrupt peers file %s: %v",
				a.peersFile, err)
		}
		a.reset()
		return
	}
	log.Infof("Loaded %d addresses from file '%s'", a.numAddresses(),
		a.peersFile)
}

// deserializePeersFile reads a serialized peers state from the provided file
// path.  A missing file is not an error.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) deserializePeersFile(filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("%s error opening file: %w", filePath, err)
	}
	return a.deserializePeersState(data)
}
