// Package rendezvous implements the UDP rendezvous relay.
//
// A host sends its private endpoint and receives a host code. A peer that
// presents the code learns the host's public and private endpoints, and the
// host simultaneously learns the peer's, so both can start hole punching.
//
// Message flow:
//  1. Host sends {"privateAddress", "privatePort"}
//  2. Relay answers {"hostCode"} to the host's observed address
//  3. Peer sends {"hostCode", "privateAddress", "privatePort"}
//  4. Relay sends the host's endpoints to the peer and the peer's to the host
//
// Clients send the literal "keepalive" to hold their NAT mapping open; the
// relay never answers it. Malformed datagrams and unknown codes are dropped
// without a reply.
//
// Registrations expire after the configured TTL and are replaced whenever
// the same endpoint pair registers again.
package rendezvous
