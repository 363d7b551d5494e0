// Package thresholds resolves effective alert thresholds from
// configuration and holds the device directory and metric catalog.
//
// The inheritance chain is:
//
//	Metric Catalog → Global → Group → Room → Device
//
// A later layer replaces the whole threshold entry of a metric; warn and
// crit are not merged across layers.
package thresholds
