// Package types defines the core data types used throughout the engine.
//
// Key types:
//   - Point: A single raw (timestamp, value) sample
//   - AggregatePoint: count/sum/min/max for one time bucket
//   - Resolution: Pre-aggregation resolution (Hourly, Daily)
//   - Level, Direction, Threshold: Alert evaluation inputs and outputs
//   - Event: Point and alert notifications published by the engine
package types
