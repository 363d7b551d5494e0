// Package aggregate maintains the hourly and daily rollups of a series.
//
// Each rollup maps a bucket start (floor(ts/size)*size) to running
// count/sum/min/max statistics and, optionally, a DDSketch for percentiles.
// Buckets are also kept in a time-ordered index so that retention trimming
// removes every expired bucket, including ones created by backfilled
// samples.
package aggregate
