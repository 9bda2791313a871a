// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2024-2026 The addrbook developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrmgr implements a concurrency-safe peer address manager.

# Address Manager Overview

Peer-to-peer networks are dynamic because nodes connect and disconnect as
they please.  Each node must manage a source of IP addresses to connect to
and share with other nodes.  The peer wire protocol allows peers to request
and share known addresses with each other, so each node needs a way to store
those addresses and select peers from them.  However, it is important to
remember that remote peers cannot be trusted.  A remote peer might send
invalid addresses, or worse, only send addresses they control with malicious
intent.

With that in mind, this package provides a concurrency-safe address manager
for caching and selecting peers in a non-deterministic manner.  The general
idea is that the caller adds addresses to the address manager and notifies it
when addresses are connected, known good, and attempted.  The caller also
requests addresses as it needs them.

Addresses are kept in two fixed-size tables.  Every address starts out in the
new table, which records addresses the node has heard about but never
successfully connected to.  Addresses that have been verified through a
successful connection are promoted to the tried table.  Both tables are
divided into buckets whose placement is derived from a keyed hash over the
address and, for new addresses, the group of the peer that reported it.
Since the hashing key is random per node, an attacker cannot predict or
force bucket placements, and the per-group bucket restrictions limit how
much of either table addresses from a single network can occupy.

The address manager also understands routability, and tries hard to only
return routable addresses.  In addition, it uses the information provided by
the caller about connected, known good, and attempted addresses to
periodically purge peers which no longer appear to be good, as well as to
bias the selection toward known good peers.  The general idea is to make a
best effort to only provide usable addresses.
*/
package addrmgr
