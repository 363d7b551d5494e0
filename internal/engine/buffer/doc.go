// Package buffer implements the per-series raw sample store: a bounded,
// array-backed circular buffer with strict FIFO eviction.
package buffer
