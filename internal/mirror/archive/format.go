// Package archive mirrors samples to rolled Parquet files and queries them
// with DuckDB.
//
// Files are written as <start>_<seq>.parquet.tmp and renamed to .parquet
// when rotated, so readers only ever see complete files.
package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/telemetry/internal/mirror"
)

const (
	fileExt    = ".parquet"
	tmpExt     = ".parquet.tmp"
	timeLayout = "20060102T150405Z"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
)

// ParseCompressionType parses a compression type string. Unknown values
// and "" mean zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (ct CompressionType) codec() compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	default:
		return &parquet.Uncompressed
	}
}

// Row is one archived sample.
type Row struct {
	DeviceID    string  `parquet:"device_id,dict"`
	MetricKey   string  `parquet:"metric_key,dict"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
}

// SampleToRow converts a mirrored sample to a row.
func SampleToRow(s mirror.Sample) Row {
	return Row{
		DeviceID:    s.DeviceID,
		MetricKey:   s.MetricKey,
		TimestampMs: s.Ts,
		Value:       s.Value,
	}
}

// fileName returns the name of the seq-th file opened at start.
func fileName(start time.Time, seq int) string {
	return fmt.Sprintf("%s_%04d", start.UTC().Format(timeLayout), seq)
}

// parseFileTime extracts the start time from a file name.
func parseFileTime(name string) (time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(name), fileExt)
	stamp, _, ok := strings.Cut(base, "_")
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected archive file name: %s", name)
	}
	return time.Parse(timeLayout, stamp)
}
