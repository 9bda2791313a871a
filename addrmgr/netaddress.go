// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/base32"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/wire"
)

// NetAddress defines information about a peer on the network including the
// last time it was seen and the services it is believed to support.
type NetAddress struct {
	// IP address of the peer.  Tor (OnionCat) addresses are stored in their
	// 16-byte IPv6 mapping.
	IP net.IP

	// Port is the port of the remote peer.
	Port uint16

	// Timestamp is the last time the address was seen.
	Timestamp time.Time

	// Services represents the service flags supported by this network address.
	Services wire.ServiceFlag
}

// serializedNetAddressSize is the size of an address in its canonical
// serialized form: a 16-byte IPv6 representation followed by a 2-byte
// big endian port.
const serializedNetAddressSize = 18

// NewNetAddressIPPort creates a new network address given an ip, port, and
// the supported service flags for the address.  The timestamp is set to the
// current time.
func NewNetAddressIPPort(ip net.IP, port uint16, services wire.ServiceFlag) *NetAddress {
	return NewNetAddressTimestamp(time.Unix(time.Now().Unix(), 0), ip, port,
		services)
}

// NewNetAddressTimestamp creates a new network address with the provided last
// seen timestamp.
func NewNetAddressTimestamp(timestamp time.Time, ip net.IP, port uint16, services wire.ServiceFlag) *NetAddress {
	// Canonicalize the ip so equivalent v4 and v4-in-v6 forms compare and
	// hash identically.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return &NetAddress{
		IP:        ip,
		Port:      port,
		Timestamp: timestamp,
		Services:  services,
	}
}

// ipString returns a string for the ip from the provided address.  If the ip
// is in the range used for OnionCat addresses then it will be transformed into
// the respective .onion address.
func (na *NetAddress) ipString() string {
	if isOnionCatTor(na.IP) {
		// We know now that na.IP is long enough.
		base32 := base32.StdEncoding.EncodeToString(na.IP[6:])
		return strings.ToLower(base32) + ".onion"
	}

	return na.IP.String()
}

// Key returns a string that can be used to uniquely represent the network
// address and includes the port.  The form is ip:port for IPv4 addresses and
// [ip]:port for IPv6 addresses.
func (na *NetAddress) Key() string {
	port := strconv.FormatUint(uint64(na.Port), 10)
	return net.JoinHostPort(na.ipString(), port)
}

// String returns a human-readable string for the network address.  This is
// equivalent to calling Key, but is provided so the type can be used as a
// fmt.Stringer.
func (na *NetAddress) String() string {
	return na.Key()
}

// Clone creates a copy of the NetAddress instance.
func (na *NetAddress) Clone() *NetAddress {
	naCopy := *na
	return &naCopy
}

// AddService adds the provided service to the set of services that the
// network address supports.
func (na *NetAddress) AddService(service wire.ServiceFlag) {
	na.Services |= service
}

// IsRoutable returns whether or not the network address is routable over the
// public internet.
func (na *NetAddress) IsRoutable() bool {
	return IsRoutable(na.IP)
}

// rawBytes returns the canonical serialized form of the address: the 16-byte
// IPv6 representation of the ip followed by the port in big endian.
func (na *NetAddress) rawBytes() [serializedNetAddressSize]byte {
	var raw [serializedNetAddressSize]byte
	copy(raw[:16], na.IP.To16())
	binary.BigEndian.PutUint16(raw[16:], na.Port)
	return raw
}

// newNetAddressFromRawBytes creates a network address from its canonical
// serialized form along with the provided metadata.
func newNetAddressFromRawBytes(raw [serializedNetAddressSize]byte, timestamp time.Time, services wire.ServiceFlag) *NetAddress {
	ip := make(net.IP, 16)
	copy(ip, raw[:16])
	port := binary.BigEndian.Uint16(raw[16:])
	return NewNetAddressTimestamp(timestamp, ip, port, services)
}
