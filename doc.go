// Copyright (c) 2016 Cory Fields
// Distributed under the MIT software license, see the accompanying
// file COPYING or http://www.opensource.org/licenses/mit-license.php.

// Package libbtcnet is a reusable peer-to-peer connection management core
// for overlay networks of the kind cryptocurrency nodes speak. It owns a
// configurable population of outbound connections (direct, DNS-resolved,
// proxied, or resolve-only), accepts and tracks inbound connections on
// bound listeners, frames byte streams into application messages, applies
// global read/write rate limits across all peers, and drives retry,
// backoff and reconnection for transient failures.
//
// The package does not parse application messages beyond length-framed
// byte vectors, does not perform cryptographic handshakes or peer
// discovery, and does not assemble a CLI. Those are the embedding
// application's job, reached through the Embedder interface.
package libbtcnet
