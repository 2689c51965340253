// Package journal is an append-only JSONL write-ahead log of position
// mutations. The engine appends an entry before applying each mutation and
// replays the file on startup.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanyoungcy/screenerbot/internal/domain"
)

// Op is the kind of mutation an entry records.
type Op string

const (
	OpOpen  Op = "open"
	OpStop  Op = "stop"
	OpClose Op = "close"
	OpClear Op = "clear"
)

// ErrCorrupt is returned by Replay when a line other than the last one cannot
// be decoded.
var ErrCorrupt = errors.New("journal: corrupt entry")

// Entry is one line of the journal.
type Entry struct {
	Seq      uint64          `json:"seq"`
	Op       Op              `json:"op"`
	At       time.Time       `json:"at"`
	Position domain.Position `json:"position"`
}

// Journal appends entries to a single file. It is safe for concurrent use,
// though the engine only writes from its actor goroutine.
type Journal struct {
	mu    sync.Mutex
	path  string
	fsync bool
	f     *os.File
	seq   uint64

	// write is swapped in tests to simulate short writes.
	write func(f *os.File, b []byte) (int, error)
}

// Open opens or creates the journal at path. Call Replay before the first
// Append so sequence numbers resume where the file left off.
func Open(path string, fsync bool) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{path: path, fsync: fsync, f: f, write: (*os.File).Write}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Seq returns the sequence number of the last written or replayed entry.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Append writes one entry and, when fsync is enabled, flushes it to stable
// storage before returning. A failed write or sync is cut back off the file
// so the next append starts on a clean line.
func (j *Journal) Append(op Op, at time.Time, pos domain.Position) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return Entry{}, fmt.Errorf("journal: append: %w", os.ErrClosed)
	}

	e := Entry{Seq: j.seq + 1, Op: op, At: at.UTC(), Position: pos}
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal: %w", err)
	}
	line = append(line, '\n')
	info, err := j.f.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("journal: stat: %w", err)
	}
	size := info.Size()
	if _, err := j.write(j.f, line); err != nil {
		return Entry{}, j.rollback(size, fmt.Errorf("journal: write: %w", err))
	}
	if j.fsync {
		if err := j.f.Sync(); err != nil {
			return Entry{}, j.rollback(size, fmt.Errorf("journal: sync: %w", err))
		}
	}
	j.seq = e.Seq
	return e, nil
}

// rollback truncates the file to size after a failed append and returns
// cause, joined with the truncate error if that failed too.
func (j *Journal) rollback(size int64, cause error) error {
	if err := j.f.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("journal: truncate: %w", err))
	}
	return cause
}

// Replay calls fn for every entry in file order. A torn final line, left by
// a crash mid-write, is truncated away. A bad line anywhere else returns
// ErrCorrupt.
func (j *Journal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return fmt.Errorf("journal: replay: %w", os.ErrClosed)
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek: %w", err)
	}

	r := bufio.NewReader(j.f)
	var (
		offset  int64
		lineNo  int
		pending error
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if pending != nil {
				return pending
			}

			complete := line[len(line)-1] == '\n'
			var e Entry
			if uerr := json.Unmarshal(line, &e); uerr != nil || !complete {
				// Only tolerable if nothing follows.
				pending = fmt.Errorf("%w: line %d", ErrCorrupt, lineNo)
				if err == io.EOF || !complete {
					break
				}
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
			if e.Seq > j.seq {
				j.seq = e.Seq
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("journal: read: %w", err)
		}
	}

	if pending != nil {
		if err := j.f.Truncate(offset); err != nil {
			return fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}
	return nil
}

// Compact rewrites the journal as one open entry per position, via a temp
// file and rename, so replay time stays bounded.
func (j *Journal) Compact(open []domain.Position, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: compact: %w", err)
	}

	w := bufio.NewWriter(f)
	seq := j.seq
	for _, pos := range open {
		seq++
		line, err := json.Marshal(Entry{Seq: seq, Op: OpOpen, At: at.UTC(), Position: pos})
		if err != nil {
			f.Close()
			return fmt.Errorf("journal: compact: marshal: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("journal: compact: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("journal: compact: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("journal: compact: close: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("journal: compact: rename: %w", err)
	}

	j.f.Close()
	nf, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		j.f = nil
		return fmt.Errorf("journal: compact: reopen: %w", err)
	}
	j.f = nf
	j.seq = seq
	return nil
}

// Close releases the file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
