// Package alert implements the per-series threshold state machine.
//
// The raw level of a sample is its position relative to the warn and crit
// thresholds. A deadband keeps an alert active while a recovering value is
// still within db percent of the threshold it last crossed, which stops a
// value hovering around a threshold from flapping between levels.
// Escalation and crit/warn transitions are immediate.
package alert
