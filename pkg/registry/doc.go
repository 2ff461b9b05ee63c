/*
Package registry is Relay's cluster-wide process-name registry.

Names replicate through a raft state machine, so every node answers lookups
from local memory while registrations stay unique cluster-wide. Two scopes are
used: ScopeConnect holds one claim per tenant supervisor, ScopeRegionNodes
holds node membership by region tag.

# Conflict resolution

Racing registrations of the same name resolve with a pure function evaluated
inside the FSM, so every replica converges on the same winner:

 1. derive the platform region from the registered region metadata
 2. keep the claimant whose node resides in that region
 3. none or both matching falls back to the smaller timestamp

Timestamps travel inside the command payload; the FSM never reads a clock.
The replica hosting the losing claimant stops it gracefully (30s ceiling) and
publishes a connect_down event on the bus.

# Ready broadcasts

Updating a connect claim's metadata to ConnReady fires a "ready" broadcast on
the local topic connect:<name>. WaitReady subscribes first and re-reads the
registry before blocking, which closes the subscribe/publish race — a waiter
can lose the broadcast only if it was already observable in the registry.

Mutations route to the raft leader; followers forward commands over the
cluster bus.
*/
package registry
