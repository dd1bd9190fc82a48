// Package pool builds, maintains and serves the router's tunnels.
//
// The Manager owns one exploratory pool pair and one pool pair per client
// destination. A single Executor loop asks every pool how many tunnels it
// wants, picks peers through the pool's selector and hands the result to the
// requestor, which encrypts the build message and sends it. Replies are
// correlated by message id in the executor's in-flight table and the outcome
// reaches the pool as a BuildResult on its result channel.
//
// The Handler is the other side: it queues build requests from other routers,
// decides whether to join, writes the reply and forwards the message.
//
// All network and router state is reached through the interfaces collected in
// RouterContext so the package runs the same against a real router or the
// simulated network in lib/sim.
package pool
