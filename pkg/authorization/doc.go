/*
Package authorization derives per-session capabilities from tenant RLS policies.

A probe runs the tenant's actual policy program inside a short transaction
with the session's role, JWT claims and request headers installed as local
settings. The read direction uses a READ ONLY transaction and a gated SELECT
per capability; the write direction performs a real INSERT per capability and
is always rolled back — no exit path commits, so probes never leave rows
behind.

Each probe fills one direction of the Policies record and leaves the other
unknown. The handler layer latches results onto the session and never
re-probes a direction that already holds a boolean: one probe per session per
direction.

Failure modes: a pool checkout that misses its deadline returns
increase_connection_pool (the session survives); a policy that raises during
evaluation returns an RLSPolicyError and the session latches that direction
to false.
*/
package authorization
