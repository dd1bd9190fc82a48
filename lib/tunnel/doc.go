// Package tunnel holds the data model shared by tunnel construction: tunnel
// and hop configurations, pool settings, build reply codes, peer selection,
// per-peer throttles and the registry of tunnels we participate in.
//
// Hop order inside a TunnelConfig is always gateway first. An outbound
// tunnel starts with us; an inbound tunnel ends with us. Peer selection
// returns the reverse, endpoint first, and the pool flips it when it
// creates the configuration.
//
// Peer selection comes in two policies:
//
//   - SelectorExploratory draws from the fast tier, or from the high
//     capacity tier when exploratory builds fail far more often than
//     client builds.
//   - SelectorClient splits fast peers into four stable slices keyed by the
//     pool's random key so a peer keeps its position across rebuilds.
//
// Both apply the same hop constraints: the far end must be reachable, the
// hop next to us must be connectable when we are constrained, and no two
// hops may share an address prefix.
package tunnel
