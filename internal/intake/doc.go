// Package intake validates raw batch submissions and turns them into durable pending records.
//
// The store's uniqueness constraint on (url, consumer) is the source of truth. The bulk existence
// check performed before inserting only narrows the race window; rows a concurrent submission wins
// are reported as skipped, never as failures.
package intake
