// Package query resolves range requests against one series.
//
// A request is answered in one of three ways depending on its bucket size:
//
//   - bucketMs <= 0: raw samples from the ring buffer
//   - 0 < bucketMs < 1h: raw samples grouped on the fly into buckets of
//     bucketMs
//   - bucketMs >= 1h: pre-aggregated rollup buckets, daily when
//     bucketMs >= 1d, hourly otherwise
//
// Rollup answers keep the rollup granularity; they are not re-bucketed to
// bucketMs. Every mode applies the same tail-truncating limit.
package query
