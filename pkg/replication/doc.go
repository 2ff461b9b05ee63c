/*
Package replication turns committed tenant-database inserts into fan-outs.

The ingester opens a logical replication stream (pgoutput) against the tenant
database on a temporary per-tenant slot, decodes insert tuples from the
message table, and publishes exactly one broadcast per row, in commit order.
Rows in the same transaction keep their internal order.

The envelope is composed once and pre-encoded so fastlane subscribers push
the same bytes without re-encoding:

	{"event":"broadcast","topic":"<topic>","ref":null,
	 "payload":{"type":"broadcast","event":"<row.event>",
	            "payload":{"id":"<row.id>",...row.payload}}}

The row id is merged into the payload only when the payload does not already
carry one. Rows with a null event or a non-broadcast extension are logged as
UnableToBroadcastChanges and skipped without failing the stream.

Starting a second ingester against the same slot fails; the server refuses
the duplicate temporary slot. Keepalives with reply-requested are answered
with a standby status acknowledging wal_end+1.
*/
package replication
