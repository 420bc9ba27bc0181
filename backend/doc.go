// Package backend provides key/value stores for the queue snapshot and its lock record.
//
// Every backend exposes Get/Set/Del over raw bytes; Get returns nil, nil for a
// missing key. Redis and SQLite additionally implement compare-and-set lock
// primitives so that acquiring the flush lock is a single atomic step.
package backend
