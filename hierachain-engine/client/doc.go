// Package client implements the client side of the replicated service.
//
// A Client sends every request to all replicas at once and accepts a
// result only when f+1 distinct replicas return the same sequence number
// and result digest, so at least one correct replica vouches for it. When
// no such quorum forms within an attempt timeout the same (client, nonce)
// is retransmitted; replicas answer repeats from their reply cache.
package client
