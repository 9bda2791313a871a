// Copyright (c) 2021-2025 The Decred developers
// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/wire"
)

// TestKey verifies that Key converts a network address to an expected string
// value.
func TestKey(t *testing.T) {
	tests := []struct {
		host string
		port uint16
		want string
	}{
		// IPv4
		// Localhost
		{host: "127.0.0.1", port: 8333, want: "127.0.0.1:8333"},
		{host: "127.0.0.1", port: 8334, want: "127.0.0.1:8334"},

		// Class A
		{host: "1.0.0.1", port: 8333, want: "1.0.0.1:8333"},
		{host: "2.2.2.2", port: 8334, want: "2.2.2.2:8334"},
		{host: "27.253.252.251", port: 8335, want: "27.253.252.251:8335"},
		{host: "123.3.2.1", port: 8336, want: "123.3.2.1:8336"},

		// Private Class A
		{host: "10.0.0.1", port: 8333, want: "10.0.0.1:8333"},
		{host: "10.1.1.1", port: 8334, want: "10.1.1.1:8334"},

		// Class B
		{host: "128.0.0.1", port: 8333, want: "128.0.0.1:8333"},
		{host: "129.1.1.1", port: 8334, want: "129.1.1.1:8334"},
		{host: "180.2.2.2", port: 8335, want: "180.2.2.2:8335"},

		// Private Class B
		{host: "172.16.0.1", port: 8333, want: "172.16.0.1:8333"},
		{host: "172.16.172.172", port: 8336, want: "172.16.172.172:8336"},

		// Class C
		{host: "193.0.0.1", port: 8333, want: "193.0.0.1:8333"},
		{host: "200.1.1.1", port: 8334, want: "200.1.1.1:8334"},
		{host: "223.10.10.10", port: 8336, want: "223.10.10.10:8336"},

		// Private Class C
		{host: "192.168.0.1", port: 8333, want: "192.168.0.1:8333"},
		{host: "192.168.192.192", port: 8336, want: "192.168.192.192:8336"},

		// IPv6
		// Localhost
		{host: "::1", port: 8333, want: "[::1]:8333"},
		{host: "fe80::1", port: 8334, want: "[fe80::1]:8334"},

		// Link-local
		{host: "fe80::1:1", port: 8333, want: "[fe80::1:1]:8333"},
		{host: "fe91::2:2", port: 8334, want: "[fe91::2:2]:8334"},

		// Site-local
		{host: "fec0::1:1", port: 8333, want: "[fec0::1:1]:8333"},
		{host: "fef3::4:4", port: 8336, want: "[fef3::4:4]:8336"},

		// Tor
		{host: "fd87:d87e:eb43::", port: 8333, want: "aaaaaaaaaaaaaaaa.onion:8333"},
	}

	for _, test := range tests {
		netAddr := NewNetAddressIPPort(net.ParseIP(test.host), test.port,
			wire.SFNodeNetwork)
		key := netAddr.Key()
		if key != test.want {
			t.Errorf("unexpected network address key -- got %q, want %q",
				key, test.want)
		}
	}
}

// TestClone verifies that a new instance of the network address struct is
// created when cloned.
func TestClone(t *testing.T) {
	const port = 0
	netAddr := NewNetAddressIPPort(net.ParseIP("1.2.3.4"), port, wire.SFNodeNetwork)
	netAddrClone := netAddr.Clone()

	if netAddr == netAddrClone {
		t.Fatal("expected new network address reference")
	}
	if !reflect.DeepEqual(netAddr, netAddrClone) {
		t.Fatalf("unexpected clone result -- got %v, want %v",
			spew.Sdump(netAddrClone), spew.Sdump(netAddr))
	}
}

// TestAddService verifies that the service flag is set as expected on a
// network address instance.
func TestAddService(t *testing.T) {
	const port = 0
	netAddr := NewNetAddressIPPort(net.ParseIP("1.2.3.4"), port, 0)
	netAddr.AddService(wire.SFNodeNetwork)

	if netAddr.Services != wire.SFNodeNetwork {
		t.Fatalf("expected service flag to be set -- got %x, want %x",
			netAddr.Services, wire.SFNodeNetwork)
	}
}

// TestRawBytesRoundTrip verifies that a network address survives the
// conversion to and from its raw serialized form.
func TestRawBytesRoundTrip(t *testing.T) {
	timestamp := time.Unix(time.Now().Unix(), 0)
	tests := []struct {
		name string
		host string
		port uint16
	}{{
		name: "ipv4",
		host: "99.88.77.66",
		port: 8333,
	}, {
		name: "ipv6",
		host: "2001:db8::68",
		port: 9108,
	}, {
		name: "onioncat",
		host: "fd87:d87e:eb43:25::1",
		port: 9050,
	}}

	for _, test := range tests {
		want := NewNetAddressTimestamp(timestamp, net.ParseIP(test.host),
			test.port, wire.SFNodeNetwork)
		raw := want.rawBytes()
		got := newNetAddressFromRawBytes(raw, timestamp, wire.SFNodeNetwork)
		if got.Key() != want.Key() {
			t.Errorf("%q: mismatched key -- got %q, want %q", test.name,
				got.Key(), want.Key())
		}
		if got.Port != want.Port {
			t.Errorf("%q: mismatched port -- got %d, want %d", test.name,
				got.Port, want.Port)
		}
	}
}

// TestGroupKey verifies that the network group assigned to various addresses
// matches the expected group.
func TestGroupKey(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want string
	}{
		// Local addresses.
		{name: "ipv4 localhost", ip: "127.0.0.1", want: "local"},
		{name: "ipv6 localhost", ip: "::1", want: "local"},
		{name: "ipv4 zero", ip: "0.0.0.0", want: "local"},
		{name: "ipv4 first octet zero", ip: "0.1.2.3", want: "local"},

		// Unroutable addresses.
		{name: "ipv4 private 10.x", ip: "10.0.0.1", want: "unroutable"},
		{name: "ipv4 private 172.x", ip: "172.16.0.1", want: "unroutable"},
		{name: "ipv4 private 192.168.x", ip: "192.168.0.1", want: "unroutable"},
		{name: "ipv4 autoconfig", ip: "169.254.1.1", want: "unroutable"},
		{name: "ipv6 unique local", ip: "fc00::1", want: "unroutable"},

		// IPv4 addresses.
		{name: "ipv4 lower half", ip: "1.2.3.4", want: "1.2.0.0"},
		{name: "ipv4 upper half", ip: "200.100.50.25", want: "200.100.0.0"},

		// Tor.
		{name: "tor 1", ip: "fd87:d87e:eb43::1", want: "tor:0"},
		{name: "tor 2", ip: "fd87:d87e:eb43:1234::1", want: "tor:2"},
		{name: "tor 3", ip: "fd87:d87e:eb43:f234::1", want: "tor:2"},

		// IPv6.
		{name: "ipv6", ip: "2607:f8b0::68", want: "2607:f8b0::"},
		{name: "ipv6 he.net", ip: "2001:470:1f10::2", want: "2001:470:1000::"},
	}

	for _, test := range tests {
		na := NewNetAddressIPPort(net.ParseIP(test.ip), 8333, 0)
		if got := na.GroupKey(); got != test.want {
			t.Errorf("%q: unexpected group key -- got %q, want %q",
				test.name, got, test.want)
		}
	}
}
