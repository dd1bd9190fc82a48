// Package sim runs a set of routers in one process so the tunnel build
// subsystem can be exercised end to end.
//
// Every Router implements the collaborators a pool.Manager needs: the
// netdb reads the shared directory, the dispatcher is a
// tunnel.ParticipatingRegistry, and the transport hands messages to the
// target router after the configured latency. Build messages travel the
// same path they would on the wire, including through the paired tunnels
// that carry inbound requests and outbound replies.
package sim
