// Package inbox is the durable queue between the listener and the worker.
// Records are newline-delimited JSON appended under an exclusive file lock;
// acknowledgment rewrites only the flags of one record, never truncating or
// reordering prior entries. Consumers are expected to be idempotent: the
// transport guarantees at-least-once, the handled flag guards reprocessing.
package inbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wispworks/wisp/internal/bus"
)

// Record is one queue entry. Seq is assigned on append and never reused;
// Handled is set exactly once; Failed marks a poison record that exhausted
// its retries and awaits manual inspection.
type Record struct {
	Seq       int64         `json:"seq"`
	Event     bus.ChatEvent `json:"event"`
	Handled   bool          `json:"handled"`
	HandledAt time.Time     `json:"handledAt,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Failed    bool          `json:"failed,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

type Inbox struct {
	path     string
	lockPath string
}

func New(path string) (*Inbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	return &Inbox{path: path, lockPath: path + ".lock"}, nil
}

// withLock serializes access through a sidecar lock file. Acknowledgment
// replaces the inbox via rename, so locking the inbox file itself would
// leave a window where a writer holds a lock on an unlinked inode while
// another process reads the fresh file. The sidecar is never renamed, so
// whoever holds it always sees the current inbox.
func (i *Inbox) withLock(how int, fn func() error) error {
	lf, err := os.OpenFile(i.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open inbox lock: %w", err)
	}
	defer lf.Close()

	if err := syscall.Flock(int(lf.Fd()), how); err != nil {
		return fmt.Errorf("lock inbox: %w", err)
	}
	defer syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)

	return fn()
}

// Append adds a new record and returns its sequence number. Safe against a
// concurrent acknowledging worker: both sides serialize on the lock file,
// and the inbox is opened only after the lock is held.
func (i *Inbox) Append(ev bus.ChatEvent) (int64, error) {
	var seq int64
	err := i.withLock(syscall.LOCK_EX, func() error {
		f, err := os.OpenFile(i.path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("open inbox: %w", err)
		}
		defer f.Close()

		records, err := readRecords(f)
		if err != nil {
			return err
		}
		seq = 1
		if n := len(records); n > 0 {
			seq = records[n-1].Seq + 1
		}

		rec := Record{Seq: seq, Event: ev}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal inbox record: %w", err)
		}

		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek inbox: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append inbox record: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync inbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Pending returns unhandled, non-poisoned records in sequence order.
func (i *Inbox) Pending(limit int) ([]Record, error) {
	records, err := i.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for _, r := range records {
		if r.Handled || r.Failed {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// All returns every record, for status reporting.
func (i *Inbox) All() ([]Record, error) {
	return i.readAll()
}

// Ack marks a record handled. Idempotent: acknowledging an already-handled
// record is a no-op and must never cause reprocessing.
func (i *Inbox) Ack(seq int64) error {
	return i.update(seq, func(r *Record) {
		if r.Handled {
			return
		}
		r.Handled = true
		r.HandledAt = time.Now().UTC()
	})
}

// MarkAttempt records a processing failure. Once attempts reach maxAttempts
// the record is poisoned: flagged as permanently failed and excluded from
// Pending so it cannot loop forever.
func (i *Inbox) MarkAttempt(seq int64, maxAttempts int, cause error) error {
	return i.update(seq, func(r *Record) {
		if r.Handled || r.Failed {
			return
		}
		r.Attempts++
		if cause != nil {
			r.LastError = cause.Error()
		}
		if r.Attempts >= maxAttempts {
			r.Failed = true
		}
	})
}

func (i *Inbox) readAll() ([]Record, error) {
	var records []Record
	err := i.withLock(syscall.LOCK_SH, func() error {
		f, err := os.OpenFile(i.path, os.O_CREATE|os.O_RDONLY, 0644)
		if err != nil {
			return fmt.Errorf("open inbox: %w", err)
		}
		defer f.Close()

		records, err = readRecords(f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// update rewrites the file with exactly one record's flags changed. The
// rewrite goes through a temp file + rename so a crash mid-update leaves
// either the old or the new file, never a torn one.
func (i *Inbox) update(seq int64, mutate func(*Record)) error {
	return i.withLock(syscall.LOCK_EX, func() error {
		f, err := os.OpenFile(i.path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("open inbox: %w", err)
		}
		defer f.Close()

		records, err := readRecords(f)
		if err != nil {
			return err
		}

		found := false
		for idx := range records {
			if records[idx].Seq == seq {
				mutate(&records[idx])
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("inbox record %d not found", seq)
		}

		tmp, err := os.CreateTemp(filepath.Dir(i.path), ".inbox-*")
		if err != nil {
			return fmt.Errorf("create inbox temp: %w", err)
		}
		defer os.Remove(tmp.Name())

		w := bufio.NewWriter(tmp)
		for _, r := range records {
			line, err := json.Marshal(r)
			if err != nil {
				tmp.Close()
				return fmt.Errorf("marshal inbox record: %w", err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				tmp.Close()
				return fmt.Errorf("write inbox temp: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			tmp.Close()
			return fmt.Errorf("flush inbox temp: %w", err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("sync inbox temp: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close inbox temp: %w", err)
		}

		if err := os.Rename(tmp.Name(), i.path); err != nil {
			return fmt.Errorf("replace inbox: %w", err)
		}
		return nil
	})
}

func readRecords(f *os.File) ([]Record, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek inbox: %w", err)
	}

	records := make([]Record, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn trailing line from a crashed writer is skipped; the
			// producer will re-append on retry.
			continue
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	return records, nil
}
