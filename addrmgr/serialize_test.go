// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

// populatedTestManager returns a test manager holding a mix of new and tried
// addresses with varied connection histories.
func populatedTestManager(t *testing.T) *AddrManager {
	t.Helper()

	amgr, c := newTestManager(t)
	srcAddr := NewNetAddressIPPort(net.IPv4(173, 144, 173, 111), 8333, 0)
	for i := 0; i < 30; i++ {
		ip := net.IPv4(byte(i+1), byte(i*7+1), 88, 77)
		na := NewNetAddressTimestamp(c.Now(), ip, 8333, 0)
		if !amgr.AddAddress(na, srcAddr) {
			continue
		}
		switch i % 3 {
		case 1:
			amgr.Attempt(na, true)
		case 2:
			amgr.Good(na, false)
		}
	}

	// Re-report one of the new-table addresses from sources in distinct
	// network groups so at least one entry is referenced by multiple new
	// bucket slots.
	multi := NewNetAddressTimestamp(c.Now(), net.IPv4(99, 88, 77, 66), 8333, 0)
	amgr.AddAddress(multi, srcAddr)
	for i := 1; i <= 64; i++ {
		src := NewNetAddressIPPort(net.IPv4(byte(i), 200, 1, 1), 8333, 0)
		if !src.IsRoutable() {
			continue
		}
		amgr.AddAddress(multi, src)
	}
	if ka := amgr.find(multi); ka == nil || ka.refs < 2 {
		t.Fatal("expected an entry referenced by multiple new bucket slots")
	}
	return amgr
}

// reserialize recomputes the trailing checksum after the payload has been
// modified by a test.
func reserialize(data []byte) []byte {
	payload := data[:len(data)-sha256.Size]
	checksum := sha256.Sum256(payload)
	return append(append([]byte{}, payload...), checksum[:]...)
}

func TestSerializeRoundTrip(t *testing.T) {
	amgr := populatedTestManager(t)

	var buf bytes.Buffer
	if err := amgr.Serialize(&buf); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	restored, _ := newTestManager(t)
	if err := restored.Deserialize(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if got, want := restored.NumAddresses(), amgr.NumAddresses(); got != want {
		t.Fatalf("unexpected address count - got %d, want %d", got, want)
	}

	// Compare every entry field by field.
	amgr.mtx.Lock()
	restored.mtx.Lock()
	if restored.nNew != amgr.nNew || restored.nTried != amgr.nTried {
		t.Fatalf("unexpected table counts - got %d/%d, want %d/%d",
			restored.nNew, restored.nTried, amgr.nNew, amgr.nTried)
	}
	if restored.key != amgr.key {
		t.Fatal("placement key did not round trip")
	}
	for key, ka := range amgr.addrIndex {
		got := restored.addrIndex[key]
		if got == nil {
			t.Fatalf("address %s missing after round trip", key)
		}
		if got.tried != ka.tried {
			t.Fatalf("address %s: tried flag did not round trip", key)
		}
		if got.refs != ka.refs {
			t.Fatalf("address %s: refs %d, want %d", key, got.refs, ka.refs)
		}
		if got.attempts != ka.attempts {
			t.Fatalf("address %s: attempts %d, want %d", key,
				got.attempts, ka.attempts)
		}
		if !got.lastattempt.Equal(ka.lastattempt) {
			t.Fatalf("address %s: last attempt did not round trip", key)
		}
		if !got.lastsuccess.Equal(ka.lastsuccess) {
			t.Fatalf("address %s: last success did not round trip", key)
		}
		if !got.na.Timestamp.Equal(ka.na.Timestamp) {
			t.Fatalf("address %s: timestamp did not round trip", key)
		}
		if got.na.Services != ka.na.Services {
			t.Fatalf("address %s: services did not round trip", key)
		}
		if got.srcAddr.Key() != ka.srcAddr.Key() {
			t.Fatalf("address %s: source did not round trip", key)
		}
	}

	// Placements must be preserved exactly.
	for b := range amgr.addrNew {
		for p, ka := range amgr.addrNew[b] {
			switch {
			case ka == nil:
				if restored.addrNew[b][p] != nil {
					t.Fatalf("new slot %d/%d should be empty", b, p)
				}
			case restored.addrNew[b][p] == nil ||
				restored.addrNew[b][p].na.Key() != ka.na.Key():

				t.Fatalf("new slot %d/%d did not round trip", b, p)
			}
		}
	}
	for b := range amgr.addrTried {
		for p, ka := range amgr.addrTried[b] {
			switch {
			case ka == nil:
				if restored.addrTried[b][p] != nil {
					t.Fatalf("tried slot %d/%d should be empty", b, p)
				}
			case restored.addrTried[b][p] == nil ||
				restored.addrTried[b][p].na.Key() != ka.na.Key():

				t.Fatalf("tried slot %d/%d did not round trip", b, p)
			}
		}
	}
	amgr.mtx.Unlock()
	restored.mtx.Unlock()

	checkConsistency(t, restored)
}

func TestSerializeDeterministic(t *testing.T) {
	amgr := populatedTestManager(t)

	var first, second bytes.Buffer
	if err := amgr.Serialize(&first); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := amgr.Serialize(&second); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("repeated serialization produced different bytes")
	}
}

func TestDeserializeErrors(t *testing.T) {
	amgr := populatedTestManager(t)
	var buf bytes.Buffer
	if err := amgr.Serialize(&buf); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	valid := buf.Bytes()

	corrupt := func(mutate func(data []byte) []byte) []byte {
		data := append([]byte{}, valid...)
		return mutate(data)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr ErrorKind
	}{{
		name:    "empty stream",
		data:    nil,
		wantErr: ErrMalformedPeersState,
	}, {
		name:    "truncated stream",
		data:    valid[:20],
		wantErr: ErrMalformedPeersState,
	}, {
		name: "flipped payload byte",
		data: corrupt(func(data []byte) []byte {
			data[40] ^= 0xff
			return data
		}),
		wantErr: ErrChecksumMismatch,
	}, {
		name: "flipped checksum byte",
		data: corrupt(func(data []byte) []byte {
			data[len(data)-1] ^= 0xff
			return data
		}),
		wantErr: ErrChecksumMismatch,
	}, {
		name: "unknown version",
		data: corrupt(func(data []byte) []byte {
			data[0] = 99
			return reserialize(data)
		}),
		wantErr: ErrUnsupportedVersion,
	}, {
		name: "impossible entry count",
		data: corrupt(func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[33:37], 1<<31)
			return reserialize(data)
		}),
		wantErr: ErrMalformedPeersState,
	}, {
		name: "truncated entry records",
		data: corrupt(func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[33:37],
				binary.LittleEndian.Uint32(data[33:37])+10)
			return reserialize(data)
		}),
		wantErr: ErrMalformedPeersState,
	}}

	for _, test := range tests {
		restored, _ := newTestManager(t)
		err := restored.Deserialize(bytes.NewReader(test.data))
		if !errors.Is(err, test.wantErr) {
			t.Errorf("%q: unexpected error - got %v, want %v", test.name,
				err, test.wantErr)
			continue
		}

		// A failed load must leave the previous state untouched.
		if n := restored.NumAddresses(); n != 0 {
			t.Errorf("%q: failed load altered state: %d addresses",
				test.name, n)
		}
	}
}

func TestLoadPeersCorruptFile(t *testing.T) {
	amgr, _ := newTestManager(t)

	// Write garbage where the peers file is expected.
	if err := os.WriteFile(amgr.peersFile, []byte("not a peers file"), 0644); err != nil {
		t.Fatalf("failed to write peers file: %v", err)
	}

	amgr.loadPeers()
	if n := amgr.NumAddresses(); n != 0 {
		t.Fatalf("expected empty manager after corrupt load, got %d", n)
	}

	// The corrupt file is removed so the next save starts clean.
	if _, err := os.Stat(amgr.peersFile); !os.IsNotExist(err) {
		t.Fatal("corrupt peers file should have been removed")
	}
}

func TestSavePeersSkipsUnchanged(t *testing.T) {
	amgr, _ := newTestManager(t)
	amgr.addAddressByIP(someIP, 8333)

	amgr.savePeers()
	info, err := os.Stat(amgr.peersFile)
	if err != nil {
		t.Fatalf("peers file does not exist: %v", err)
	}

	// With no changes a second save leaves the file alone.
	if err := os.WriteFile(amgr.peersFile, []byte("sentinel"), 0644); err != nil {
		t.Fatalf("failed to overwrite peers file: %v", err)
	}
	amgr.savePeers()
	data, err := os.ReadFile(amgr.peersFile)
	if err != nil {
		t.Fatalf("failed to read peers file: %v", err)
	}
	if !bytes.Equal(data, []byte("sentinel")) {
		t.Fatal("save without changes should not rewrite the peers file")
	}

	// After a change the file is rewritten.
	amgr.addAddressByIP("44.33.22.11", 8333)
	amgr.savePeers()
	info, err = os.Stat(amgr.peersFile)
	if err != nil {
		t.Fatalf("peers file does not exist: %v", err)
	}
	if info.Size() == int64(len("sentinel")) {
		t.Fatal("save after changes should rewrite the peers file")
	}

	// Reload and confirm both addresses survived.
	restored := New(&Config{DataDir: filepath.Dir(amgr.peersFile)})
	restored.loadPeers()
	if n := restored.NumAddresses(); n != 2 {
		t.Fatalf("expected 2 addresses after reload, got %d", n)
	}
}
