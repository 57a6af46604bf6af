// Package dispatch partitions changed sources into batches and runs one
// engine worker per batch.
//
// The scheduler splits the changed set into contiguous chunks sized by the
// configured parallelism, launches a worker for each chunk, and decodes the
// worker's output into a protocol.Batch. Batches run concurrently; within a
// batch the steps are strictly sequential:
//
//	launch -> execute -> parse -> fold -> shutdown
//
// Timeout handling:
//   - Each batch gets PerSourceTimeout × batch size
//   - The whole run gets PerSourceTimeout × number of changed sources
//   - When the run deadline passes every in-flight batch is cancelled and the
//     run fails with *RunTimeoutError; completed batches are discarded
//
// Error handling:
//   - Launch failure, batch timeout, non-zero engine exit and malformed
//     payloads fail their batch
//   - The first failing batch cancels its siblings and fails the run with
//     *BatchError
//   - Per-file failures reported by the script (result null) are outcomes,
//     not errors
//
// Workers are always shut down, whatever the batch outcome.
package dispatch
