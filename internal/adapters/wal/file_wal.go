package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// entry format: [8 bytes seq][4 bytes len][8 bytes checksum][len bytes payload]
const recordHeaderLen = 20

const (
	segmentExt = ".seg"
	metaFile   = "stream.meta"
)

// RecordSize is the number of bytes a payload of n bytes occupies on disk.
func RecordSize(n int) int64 {
	return int64(recordHeaderLen + n)
}

type Options struct {
	// SegmentBytes is the size at which the active segment is rolled.
	SegmentBytes int64
	// Fsync forces a sync after every append.
	Fsync bool
}

type segment struct {
	base uint64
	last uint64
	path string
	size int64
}

// FileWAL is a segmented append-only record log. Records carry the caller's
// sequence number; whole segments are deleted once every record in them is
// below the live head. A committed watermark and a discard head are persisted
// next to the segments.
type FileWAL struct {
	mu        sync.Mutex
	dir       string
	metaPath  string
	opts      Options
	segments  []*segment
	active    *os.File
	lastSeq   uint64
	committed uint64
	head      uint64
}

type Stats struct {
	Segments  int
	DiskBytes int64
	LastSeq   uint64
	Committed uint64
	Head      uint64
}

func NewFileWAL(dir string, opts Options) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = 64 << 20
	}
	w := &FileWAL{
		dir:      dir,
		metaPath: filepath.Join(dir, metaFile),
		opts:     opts,
	}
	if err := w.bootstrap(); err != nil {
		w.closeActive()
		return nil, err
	}
	return w, nil
}

func (w *FileWAL) bootstrap() error {
	if err := w.scanExisting(); err != nil {
		return err
	}
	if err := w.loadCommitted(); err != nil {
		return err
	}
	if len(w.segments) == 0 {
		return nil
	}
	tail := w.segments[len(w.segments)-1]
	f, err := os.OpenFile(tail.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.active = f
	return nil
}

func (w *FileWAL) scanExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		w.segments = append(w.segments, &segment{base: base, path: filepath.Join(w.dir, name)})
	}
	sort.Slice(w.segments, func(i, j int) bool { return w.segments[i].base < w.segments[j].base })

	for _, seg := range w.segments {
		if err := scanSegment(seg); err != nil {
			return err
		}
		if seg.last > w.lastSeq {
			w.lastSeq = seg.last
		}
	}
	return nil
}

// scanSegment walks a segment, truncating it at the first torn or corrupt
// record.
func scanSegment(seg *segment) error {
	f, err := os.OpenFile(seg.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	err = readRecords(f, func(seq uint64, payload []byte) error {
		seg.last = seq
		offset += RecordSize(len(payload))
		return nil
	})
	if err != nil && !errors.Is(err, errTorn) {
		return fmt.Errorf("wal scan %s: %w", filepath.Base(seg.path), err)
	}
	if err := f.Truncate(offset); err != nil {
		return err
	}
	seg.size = offset
	return nil
}

var errTorn = errors.New("torn record")

func readRecords(r io.Reader, fn func(seq uint64, payload []byte) error) error {
	br := bufio.NewReader(r)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return errTorn
			}
			return err
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])
		sum := binary.BigEndian.Uint64(hdr[12:20])

		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errTorn
			}
			return err
		}
		if checksum(payload) != sum {
			return errTorn
		}
		if err := fn(seq, payload); err != nil {
			return err
		}
	}
}

func checksum(payload []byte) uint64 {
	sum := blake3.Sum256(payload)
	return binary.BigEndian.Uint64(sum[:8])
}

func (w *FileWAL) loadCommitted() error {
	data, err := os.ReadFile(w.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	// meta format: "<committed> <head>"; older files hold only the watermark.
	fields := strings.Fields(string(data))
	vals := make([]uint64, len(fields))
	for i, f := range fields {
		u, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return fmt.Errorf("wal meta parse: %w", err)
		}
		vals[i] = u
	}
	if len(vals) > 0 {
		w.committed = vals[0]
	}
	if len(vals) > 1 {
		w.head = vals[1]
	}
	return nil
}

// Append writes one record and returns its on-disk size. seq must be larger
// than every sequence appended before.
func (w *FileWAL) Append(seq uint64, payload []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq <= w.lastSeq {
		return 0, fmt.Errorf("wal append: sequence %d not after %d", seq, w.lastSeq)
	}
	if err := w.rollIfNeededLocked(seq); err != nil {
		return 0, err
	}

	buf := make([]byte, recordHeaderLen+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[12:20], checksum(payload))
	copy(buf[recordHeaderLen:], payload)

	if _, err := w.active.Write(buf); err != nil {
		return 0, err
	}
	if w.opts.Fsync {
		if err := w.active.Sync(); err != nil {
			return 0, err
		}
	}

	tail := w.segments[len(w.segments)-1]
	tail.last = seq
	tail.size += int64(len(buf))
	w.lastSeq = seq
	return int64(len(buf)), nil
}

func (w *FileWAL) rollIfNeededLocked(seq uint64) error {
	if w.active != nil {
		tail := w.segments[len(w.segments)-1]
		if tail.size < w.opts.SegmentBytes {
			return nil
		}
		if err := w.active.Close(); err != nil {
			return err
		}
		w.active = nil
	}

	path := filepath.Join(w.dir, fmt.Sprintf("%020d%s", seq, segmentExt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.active = f
	w.segments = append(w.segments, &segment{base: seq, path: path})
	return nil
}

// Replay calls fn for every record on disk in sequence order.
func (w *FileWAL) Replay(fn func(seq uint64, payload []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, seg := range w.segments {
		f, err := os.Open(seg.path)
		if err != nil {
			return err
		}
		err = readRecords(io.LimitReader(f, seg.size), fn)
		f.Close()
		if err != nil {
			return fmt.Errorf("wal replay %s: %w", filepath.Base(seg.path), err)
		}
	}
	return nil
}

// Commit persists upto as the committed watermark.
func (w *FileWAL) Commit(upto uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if upto <= w.committed {
		return nil
	}
	w.committed = upto
	return w.persistMetaLocked()
}

// SetHead persists head as the smallest sequence that may still be replayed.
// Records below it were discarded and Replay callers must skip them.
func (w *FileWAL) SetHead(head uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if head <= w.head {
		return nil
	}
	w.head = head
	return w.persistMetaLocked()
}

func (w *FileWAL) Head() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head
}

func (w *FileWAL) Committed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

func (w *FileWAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// TruncateBefore deletes every non-active segment whose records are all
// below head.
func (w *FileWAL) TruncateBefore(head uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []*segment
	for i, seg := range w.segments {
		isActive := i == len(w.segments)-1
		if !isActive && seg.last < head {
			if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept
	return nil
}

func (w *FileWAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	var disk int64
	for _, seg := range w.segments {
		disk += seg.size
	}
	return Stats{
		Segments:  len(w.segments),
		DiskBytes: disk,
		LastSeq:   w.lastSeq,
		Committed: w.committed,
		Head:      w.head,
	}
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeActive()
}

func (w *FileWAL) closeActive() error {
	if w.active == nil {
		return nil
	}
	err := w.active.Close()
	w.active = nil
	return err
}

func (w *FileWAL) persistMetaLocked() error {
	tmp := w.metaPath + ".tmp"
	data := []byte(fmt.Sprintf("%d %d\n", w.committed, w.head))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.metaPath)
}
