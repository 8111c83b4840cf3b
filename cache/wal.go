package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

const (
	walMagic   = "hexcache-wal"
	walVersion = 1
)

type walOp string

const (
	walOpSet    walOp = "SET"
	walOpDelete walOp = "DELETE"
	walOpExpire walOp = "EXPIRE"
)

// walRecord is one journaled mutation: a line of JSON in a segment file.
// Sum covers op, key, value, deadline, and sequence so a torn or bit-rotted
// line never replays as a valid operation.
type walRecord struct {
	Seq       uint64 `json:"seq"`
	Op        walOp  `json:"op"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	// Prev identifies the entry version an EXPIRE removed. Replay drops the
	// key only when the resident version still matches, so an expiry
	// journaled concurrently with a newer SET cannot erase the newer value.
	Prev uint64 `json:"prev,omitempty"`
	TS   int64  `json:"ts"`
	Sum  uint64 `json:"sum"`
}

func (r *walRecord) checksum() uint64 {
	d := xxhash.New()
	var buf [8]byte
	_, _ = d.WriteString(string(r.Op))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(r.Key)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(r.Value)
	_, _ = d.Write([]byte{0})
	binary.LittleEndian.PutUint64(buf[:], uint64(r.ExpiresAt))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], r.Prev)
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], r.Seq)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// walHeader is the first line of every segment. Unknown formats are refused,
// never silently misread.
type walHeader struct {
	Magic   string `json:"magic"`
	Version int    `json:"version"`
}

// wal is a segmented append-only journal. Only the newest segment is
// writable; its file handle is owned exclusively by this struct. Every
// acknowledged mutation has been flushed and synced before Append returns.
type wal struct {
	dir       string
	segBytes  int64
	retention time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	size     int64
	segIndex uint64
	seq      uint64 // last sequence number durably assigned
	partial  bool   // interior corruption was skipped during replay
}

func openWAL(o WALOptions, log zerolog.Logger) (*wal, error) {
	if o.Dir == "" {
		return nil, fmt.Errorf("%w: WAL enabled without a directory", ErrDurability)
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create wal dir: %v", ErrDurability, err)
	}
	return &wal{
		dir:       o.Dir,
		segBytes:  o.SegmentBytes,
		retention: o.Retention,
		log:       log,
	}, nil
}

// Append journals one mutation and returns its sequence number. The record
// is flushed and fsynced before return; any failure surfaces as
// ErrDurability and leaves the sequence unconsumed, so acknowledged
// sequences stay gapless.
func (w *wal) Append(op walOp, key string, value []byte, expiresAt int64, prev uint64, ts int64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.seq + 1
	rec := walRecord{Seq: seq, Op: op, Key: key, Value: value, ExpiresAt: expiresAt, Prev: prev, TS: ts}
	rec.Sum = rec.checksum()

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: encode record: %v", ErrDurability, err)
	}

	if w.size+int64(len(line))+1 > w.segBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	if _, err := w.w.Write(line); err != nil {
		w.recoverLocked()
		return 0, fmt.Errorf("%w: append: %v", ErrDurability, err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		w.recoverLocked()
		return 0, fmt.Errorf("%w: append: %v", ErrDurability, err)
	}
	if err := w.w.Flush(); err != nil {
		w.recoverLocked()
		return 0, fmt.Errorf("%w: flush: %v", ErrDurability, err)
	}
	if err := w.f.Sync(); err != nil {
		w.recoverLocked()
		return 0, fmt.Errorf("%w: sync: %v", ErrDurability, err)
	}

	w.seq = seq
	w.size += int64(len(line)) + 1
	return seq, nil
}

// replay feeds every retained record, in segment then line order, to apply.
// A checksum or decode failure on the trailing record of the newest segment
// is crash residue: the file is truncated there and replay ends cleanly.
// The same failure anywhere else is corruption: logged, skipped, and flagged.
// Replaying twice against fresh stores produces identical state because
// apply paths never re-journal.
func (w *wal) replay(apply func(walRecord) error) error {
	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	for i, seg := range segs {
		if err := w.replaySegment(seg, i == len(segs)-1, apply); err != nil {
			return err
		}
	}
	if len(segs) > 0 {
		w.segIndex = segs[len(segs)-1].index
	}
	return nil
}

type walSegment struct {
	index uint64
	path  string
}

func (w *wal) listSegments() ([]walSegment, error) {
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list segments: %v", ErrDurability, err)
	}
	var segs []walSegment
	for _, e := range ents {
		var idx uint64
		if _, err := fmt.Sscanf(e.Name(), "segment-%d.wal", &idx); err != nil {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		segs = append(segs, walSegment{index: idx, path: filepath.Join(w.dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })
	return segs, nil
}

func (w *wal) replaySegment(seg walSegment, newest bool, apply func(walRecord) error) error {
	data, err := os.ReadFile(seg.path)
	if err != nil {
		return fmt.Errorf("%w: read segment %d: %v", ErrDurability, seg.index, err)
	}

	offset := 0
	first := true
	for offset < len(data) {
		nl := bytes.IndexByte(data[offset:], '\n')
		torn := nl < 0
		var line []byte
		if torn {
			line = data[offset:]
		} else {
			line = data[offset : offset+nl]
		}
		lineEnd := offset + len(line) + 1

		if first {
			var hdr walHeader
			if torn || json.Unmarshal(line, &hdr) != nil {
				if newest {
					// Crash before the header finished; start the file over.
					return w.truncateSegment(seg, 0)
				}
				return fmt.Errorf("%w: segment %d: unreadable header", ErrCorruption, seg.index)
			}
			if hdr.Magic != walMagic || hdr.Version != walVersion {
				return fmt.Errorf("%w: segment %d: format %q v%d not supported",
					ErrCorruption, seg.index, hdr.Magic, hdr.Version)
			}
			first = false
			offset = lineEnd
			continue
		}

		var rec walRecord
		bad := torn || json.Unmarshal(line, &rec) != nil
		if !bad {
			bad = rec.checksum() != rec.Sum
		}
		if bad {
			trailing := lineEnd >= len(data)
			if newest && trailing {
				// Expected residue of a crash mid-append.
				w.log.Debug().Uint64("segment", seg.index).Int("offset", offset).
					Msg("truncating partial trailing wal record")
				return w.truncateSegment(seg, int64(offset))
			}
			w.partial = true
			w.log.Warn().Uint64("segment", seg.index).Int("offset", offset).
				Msg("skipping corrupted wal record")
			offset = lineEnd
			continue
		}

		if err := apply(rec); err != nil {
			w.partial = true
			w.log.Warn().Uint64("segment", seg.index).Uint64("seq", rec.Seq).
				Err(err).Msg("skipping unappliable wal record")
		}
		if rec.Seq > w.seq {
			w.seq = rec.Seq
		}
		offset = lineEnd
	}
	return nil
}

// recoverLocked discards the residue of a failed append: the write buffer is
// dropped, the file truncated back to the last acknowledged offset, and the
// fd repositioned there. A torn line must not stay in the active segment, or
// a later successful record would glue onto it and replay as interior
// corruption.
func (w *wal) recoverLocked() {
	w.w.Reset(w.f)
	if err := w.f.Truncate(w.size); err != nil {
		w.log.Warn().Int64("offset", w.size).Err(err).
			Msg("failed to truncate wal residue after append error")
		return
	}
	// The truncate does not move the fd offset; without the seek the next
	// write would leave a zero-filled gap.
	if _, err := w.f.Seek(w.size, io.SeekStart); err != nil {
		w.log.Warn().Int64("offset", w.size).Err(err).
			Msg("failed to reposition wal after append error")
	}
}

func (w *wal) truncateSegment(seg walSegment, at int64) error {
	if err := os.Truncate(seg.path, at); err != nil {
		return fmt.Errorf("%w: truncate segment %d: %v", ErrDurability, seg.index, err)
	}
	return nil
}

// openActive prepares the newest segment for appending, creating the first
// segment if the directory is empty. Call after replay.
func (w *wal) openActive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segIndex == 0 {
		w.segIndex = 1
		return w.createSegmentLocked()
	}
	path := w.segmentPath(w.segIndex)
	st, err := os.Stat(path)
	if err == nil && st.Size() == 0 {
		// Truncated back to nothing during replay; rewrite the header.
		return w.createSegmentLocked()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open segment: %v", ErrDurability, err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.size = st.Size()
	return nil
}

func (w *wal) segmentPath(idx uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("segment-%08d.wal", idx))
}

// createSegmentLocked opens a fresh segment and writes its header.
func (w *wal) createSegmentLocked() error {
	f, err := os.OpenFile(w.segmentPath(w.segIndex), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create segment: %v", ErrDurability, err)
	}
	hdr, _ := json.Marshal(walHeader{Magic: walMagic, Version: walVersion})
	if _, err := f.Write(append(hdr, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("%w: write segment header: %v", ErrDurability, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync segment header: %v", ErrDurability, err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.size = int64(len(hdr)) + 1
	return nil
}

func (w *wal) rotateLocked() error {
	if err := w.closeActiveLocked(); err != nil {
		return err
	}
	w.segIndex++
	return w.createSegmentLocked()
}

func (w *wal) closeActiveLocked() error {
	if w.f == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrDurability, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrDurability, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close segment: %v", ErrDurability, err)
	}
	w.f = nil
	return nil
}

// purge removes sealed segments older than the retention window. Purging is
// advisory: failures are logged, never surfaced, and correctness does not
// depend on it because replay tolerates any retained prefix.
func (w *wal) purge(now time.Time) {
	w.mu.Lock()
	active := w.segIndex
	w.mu.Unlock()

	segs, err := w.listSegments()
	if err != nil {
		w.log.Warn().Err(err).Msg("wal retention scan failed")
		return
	}
	for _, seg := range segs {
		if seg.index >= active {
			continue
		}
		st, err := os.Stat(seg.path)
		if err != nil || now.Sub(st.ModTime()) < w.retention {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			w.log.Warn().Uint64("segment", seg.index).Err(err).Msg("wal segment purge failed")
			continue
		}
		w.log.Info().Uint64("segment", seg.index).Msg("purged wal segment past retention")
	}
}

// reset discards every segment and restarts the journal with the given
// sequence floor. Used by Clear and Restore, which replace all state.
func (w *wal) reset(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.closeActiveLocked(); err != nil {
		return err
	}
	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("%w: remove segment %d: %v", ErrDurability, seg.index, err)
		}
	}
	w.seq = seq
	w.segIndex++
	if w.segIndex == 0 {
		w.segIndex = 1
	}
	return w.createSegmentLocked()
}

func (w *wal) lastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeActiveLocked()
}
