/*
Package connect runs the per-tenant supervisor and its lookup API.

A tenant's supervisor is a cluster-wide singleton that exclusively owns the
tenant's database pool and replication ingester. Sessions never hold the pool;
they borrow an opaque TenantConn handle resolved through the lookup API.

# Lifecycle

	Initializing → Migrating → Replicating → Serving → ShuttingDown

The startup pipeline is an ordered list of steps that short-circuits on the
first failure, each mapping to a distinct caller error:

	get_tenant          tenant_not_found, tenant_suspended
	check_connection    tenant_db_too_many_connections, tenant_database_unavailable
	start_counters
	register_process    name_taken (losing the registration race is fatal)
	run_migrations
	start_replication   max_wal_senders_reached
	publish_ready       flips ConnReady in the registry → ready broadcast
	setup_watchdogs     operations subscription + timers

During Serving a single goroutine serializes every lifecycle event: watchdog
ticks, operator events, replication ingester exit, and stop requests. The pool
and the ingester live and die together; either going down terminates the
supervisor, and the next lookup re-initializes it on some node.

# Watchdogs

Idle shutdown samples the connected-user count every check interval into a
six-slot bucket; six zeros schedule the shutdown and a seventh executes it.
Region rebalancing stops the supervisor with reason "rebalancing" when the
node set changed and the tenant's preferred region holds another node;
callers transparently restart it there.

# Lookup

LookupOrStart resolves in order: a ready registry claim, a wait on the ready
broadcast (subscribe, then re-read, then block — never the other order), or a
start on the preferred node, locally or over the cluster bus. Cross-node
handles proxy authorization probes to the owning node; only Policies travel
back.
*/
package connect
