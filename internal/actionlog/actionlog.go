// Package actionlog is the append-only audit trail of every action
// transition. Entries are written as JSON lines to a rotating file and kept
// in a bounded in-memory ring for the API.
package actionlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oracle-garnett/oracle/internal/task"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("actionlog: closed")

// Entry is one persisted record. Each transition of an action produces one
// entry; entries of a single action are appended in transition order.
type Entry struct {
	Seq           uint64            `json:"seq"`
	Time          time.Time         `json:"time"`
	Event         string            `json:"event"`
	ActionID      string            `json:"action_id"`
	RequestID     string            `json:"request_id"`
	Principal     string            `json:"principal,omitempty"`
	CapabilityTag string            `json:"capability_tag"`
	State         task.State        `json:"state"`
	Outcome       task.Outcome      `json:"outcome,omitempty"`
	RetryCount    int               `json:"retry_count"`
	ErrorDetail   string            `json:"error_detail,omitempty"`
	BlockReason   string            `json:"block_reason,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

// maxParamBytes caps each parameter value and the error detail of an entry.
const maxParamBytes = 4096

// maxLineBytes is the longest line Decode accepts; longer lines are skipped.
const maxLineBytes = 4 * 1024 * 1024

// FromAction builds an entry from an action snapshot.
func FromAction(a task.Action, event string) Entry {
	e := Entry{
		Event:         event,
		ActionID:      a.ID.String(),
		RequestID:     a.RequestID.String(),
		Principal:     a.Principal,
		CapabilityTag: a.CapabilityTag,
		State:         a.State,
		Outcome:       a.Outcome,
		RetryCount:    a.RetryCount,
		ErrorDetail:   a.ErrorDetail,
		BlockReason:   a.BlockReason,
		StartedAt:     a.StartedAt,
	}
	if len(a.Parameters) > 0 {
		e.Parameters = make(map[string]string, len(a.Parameters))
		for k, v := range a.Parameters {
			e.Parameters[k] = task.Truncate(v, maxParamBytes)
		}
	}
	e.ErrorDetail = task.Truncate(e.ErrorDetail, maxParamBytes)
	if !a.FinishedAt.IsZero() {
		f := a.FinishedAt
		e.FinishedAt = &f
	}
	return e
}

// Config holds configuration for the file-backed logger.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	RingSize   int
}

// Logger appends entries. It is safe for concurrent use; each Append is
// encoded and written under one lock so lines never interleave.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	enc     *json.Encoder
	seq     uint64
	ring    []Entry
	next    int
	full    bool
	closed  bool
	now     func() time.Time
	logPath string
}

const defaultRingSize = 1024

// New opens the rotating log file at cfg.Path, replays it into the ring and
// continues the sequence from the last persisted entry.
func New(cfg Config) (*Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("actionlog: path is required")
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 50
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("actionlog: create dir: %w", err)
	}

	prior, err := ReadFile(cfg.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("actionlog: replay: %w", err)
	}
	if err := terminateTail(cfg.Path); err != nil {
		return nil, fmt.Errorf("actionlog: repair tail: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l := NewWriter(file, cfg.RingSize)
	l.closer = file
	l.logPath = cfg.Path
	for _, e := range prior {
		l.remember(e)
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	slog.Info("actionlog: opened",
		slog.String("path", cfg.Path),
		slog.Int("replayed", len(prior)),
	)
	return l, nil
}

// NewWriter returns a logger writing JSON lines to w.
func NewWriter(w io.Writer, ringSize int) *Logger {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Logger{
		out:  w,
		enc:  json.NewEncoder(w),
		ring: make([]Entry, ringSize),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns the next sequence number and timestamp and writes e.
// The entry is retained in memory even if the write fails.
func (l *Logger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return e, ErrClosed
	}

	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.remember(e)

	if err := l.enc.Encode(e); err != nil {
		slog.Error("actionlog: write failed",
			slog.String("action_id", e.ActionID),
			slog.String("event", e.Event),
			slog.String("error", err.Error()),
		)
		return e, fmt.Errorf("actionlog: append: %w", err)
	}
	return e, nil
}

// Record appends a snapshot of a.
func (l *Logger) Record(a task.Action, event string) error {
	_, err := l.Append(FromAction(a, event))
	return err
}

func (l *Logger) remember(e Entry) {
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to n of the most recent entries, oldest first.
func (l *Logger) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.snapshot()
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// ForAction returns the retained entries of one action in append order.
func (l *Logger) ForAction(actionID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.snapshot() {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}

// snapshot copies the ring in order. Caller holds mu.
func (l *Logger) snapshot() []Entry {
	if !l.full {
		return append([]Entry(nil), l.ring[:l.next]...)
	}
	out := make([]Entry, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Path returns the file path, empty for writer-backed loggers.
func (l *Logger) Path() string { return l.logPath }

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// ReadFile replays a JSON-lines log. A trailing partial line, left by a
// crash mid-write, is skipped.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// terminateTail appends a newline when the file ends mid-line so the next
// entry starts on its own line.
func terminateTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.WriteAt([]byte{'\n'}, st.Size())
	return err
}

// Decode reads JSON-lines entries from r. Malformed lines and lines longer
// than maxLineBytes are skipped.
func Decode(r io.Reader) ([]Entry, error) {
	var out []Entry
	br := bufio.NewReaderSize(r, 64*1024)
	line := 0
	for {
		b, tooLong, err := readLine(br, maxLineBytes)
		if len(b) > 0 || tooLong || err == nil {
			line++
		}
		switch {
		case tooLong:
			slog.Warn("actionlog: skipping oversized line", slog.Int("line", line))
		case len(b) > 0:
			var e Entry
			if jerr := json.Unmarshal(b, &e); jerr != nil {
				slog.Warn("actionlog: skipping malformed line", slog.Int("line", line), slog.String("error", jerr.Error()))
			} else {
				out = append(out, e)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("actionlog: read: %w", err)
		}
	}
}

// readLine returns the next line without its newline. When the line exceeds
// limit the rest of it is discarded and tooLong is set.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		var chunk []byte
		chunk, err = br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !tooLong {
			line = bytes.TrimRight(line, "\r\n")
		}
		return line, tooLong, err
	}
}
