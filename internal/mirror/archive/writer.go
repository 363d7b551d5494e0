package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/config"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
	"github.com/xtxerr/telemetry/internal/mirror"
)

var log = logging.Component("mirror.archive")

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("archive writer: %w", telerrors.ErrClosed)

// Writer is a mirror sink writing rolled Parquet files. A file is rotated
// when it is older than RotateInterval or holds MaxRows rows.
type Writer struct {
	mu sync.Mutex

	dir         string
	compression CompressionType
	rotateEvery time.Duration
	maxRows     int
	retention   time.Duration
	now         func() time.Time

	current *openFile
	lastKey string
	seq     int
	closed  bool

	// Statistics
	rowsWritten  atomic.Int64
	filesClosed  atomic.Int64
	filesDeleted atomic.Int64
}

type openFile struct {
	tmpPath string
	path    string
	file    *os.File
	writer  *parquet.GenericWriter[Row]
	opened  time.Time
	rows    int
}

// NewWriter creates the archive directory and a writer for it.
func NewWriter(cfg config.ArchiveConfig) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, telerrors.NewMissingField("archive.dir")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	w := &Writer{
		dir:         cfg.Dir,
		compression: ParseCompressionType(cfg.Compression),
		rotateEvery: cfg.RotateInterval,
		maxRows:     cfg.MaxRows,
		retention:   cfg.Retention,
		now:         time.Now,
	}
	if w.rotateEvery <= 0 {
		w.rotateEvery = defaults.DefaultArchiveRotateInterval
	}
	if w.maxRows <= 0 {
		w.maxRows = defaults.DefaultArchiveMaxRows
	}
	return w, nil
}

// SetClock replaces time.Now for rotation and retention.
func (w *Writer) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// Dir returns the archive directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Name implements mirror.Sink.
func (w *Writer) Name() string {
	return "archive"
}

// Write implements mirror.Sink.
func (w *Writer) Write(ctx context.Context, s mirror.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	now := w.now()
	if w.current != nil && w.due(now) {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	if w.current == nil {
		if err := w.openLocked(now); err != nil {
			return err
		}
	}

	if _, err := w.current.writer.Write([]Row{SampleToRow(s)}); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.current.rows++
	w.rowsWritten.Add(1)
	return nil
}

func (w *Writer) due(now time.Time) bool {
	return w.current.rows >= w.maxRows || now.Sub(w.current.opened) >= w.rotateEvery
}

func (w *Writer) openLocked(now time.Time) error {
	key := now.UTC().Format(timeLayout)
	if key == w.lastKey {
		w.seq++
	} else {
		w.lastKey = key
		w.seq = 0
	}

	name := fileName(now, w.seq)
	tmpPath := filepath.Join(w.dir, name+tmpExt)

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	w.current = &openFile{
		tmpPath: tmpPath,
		path:    filepath.Join(w.dir, name+fileExt),
		file:    f,
		writer:  parquet.NewGenericWriter[Row](f, parquet.Compression(w.compression.codec())),
		opened:  now,
	}
	log.Debug("archive file opened", "path", tmpPath)
	return nil
}

// rotateLocked finalizes the current file and makes it visible.
func (w *Writer) rotateLocked() error {
	cur := w.current
	if cur == nil {
		return nil
	}
	w.current = nil

	if err := cur.writer.Close(); err != nil {
		cur.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := cur.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(cur.tmpPath, cur.path); err != nil {
		return fmt.Errorf("rename %s: %w", cur.tmpPath, err)
	}

	w.filesClosed.Add(1)
	log.Debug("archive file closed", "path", cur.path, "rows", cur.rows)
	return nil
}

// Rotate closes the current file, if any.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close closes the current file. Later writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.rotateLocked()
}

// Sweep rotates the current file if it is due and deletes closed files
// older than the retention. It returns the number of files deleted.
func (w *Writer) Sweep(now time.Time) (int, error) {
	w.mu.Lock()
	var rotateErr error
	if w.current != nil && w.due(now) {
		rotateErr = w.rotateLocked()
	}
	w.mu.Unlock()

	if w.retention <= 0 {
		return 0, rotateErr
	}

	files, err := listFiles(w.dir)
	if err != nil {
		return 0, errors.Join(rotateErr, fmt.Errorf("list files: %w", err))
	}

	cutoff := now.Add(-w.retention)
	deleted := 0
	var errs []error
	for _, f := range files {
		fileTime, err := parseFileTime(f.name)
		if err != nil || !fileTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", f.path, err))
			continue
		}
		deleted++
	}

	w.filesDeleted.Add(int64(deleted))
	if deleted > 0 {
		log.Info("archive files deleted", "count", deleted, "cutoff", cutoff)
	}
	return deleted, errors.Join(append(errs, rotateErr)...)
}

// Files returns the closed archive files, oldest first.
func (w *Writer) Files() ([]string, error) {
	files, err := listFiles(w.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// fileInfo holds information about a file.
type fileInfo struct {
	name string
	path string
	size int64
}

// listFiles lists the closed Parquet files in a directory, sorted by name
// (oldest first).
func listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			name: name,
			path: filepath.Join(dir, name),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})
	return files, nil
}

// WriterStats holds writer statistics.
type WriterStats struct {
	RowsWritten  int64 `json:"rowsWritten"`
	FilesClosed  int64 `json:"filesClosed"`
	FilesDeleted int64 `json:"filesDeleted"`
	OpenRows     int   `json:"openRows"`
	DiskBytes    int64 `json:"diskBytes"`
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	openRows := 0
	if w.current != nil {
		openRows = w.current.rows
	}
	w.mu.Unlock()

	var size int64
	if files, err := listFiles(w.dir); err == nil {
		for _, f := range files {
			size += f.size
		}
	}

	return WriterStats{
		RowsWritten:  w.rowsWritten.Load(),
		FilesClosed:  w.filesClosed.Load(),
		FilesDeleted: w.filesDeleted.Load(),
		OpenRows:     openRows,
		DiskBytes:    size,
	}
}

// ReadFile reads every row of one archive file.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
