/*
Package database is the transactional storage layer: it opens engine data
files, coordinates all writers of a file through a process-wide writer gate,
and exposes keystores with MVCC write semantics.

All Databases opened on the same path share one FileState, so at most one
Transaction per file holds the writer slot at any instant, process-wide.
Transactions carry a disposition (commit, abort or no-op) that is applied
when they end; any error checked through a transaction downgrades it to
abort first.

BothKeyStore splits a logical keystore into a live and a dead half,
partitioned by the deleted flag. Both halves share one sequence generator,
and the merged enumerator surfaces the live record when both halves hold the
same key.
*/
package database
