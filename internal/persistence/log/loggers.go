package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	layout  string
	now     func() time.Time

	mu      sync.Mutex
	curSeg  string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	onClose func(path string)
}

// NewJSONLZstdWriter writes one zstd JSONL segment per hour.
func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		layout:  "2006-01-02-15",
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.now().UTC().Format(w.layout)
	if seg != w.curSeg || w.w == nil {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathFor(seg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curSeg = seg
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		name := w.f.Name()
		_ = w.f.Close()
		w.f = nil
		if w.onClose != nil {
			w.onClose(name)
		}
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathFor(seg string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
}

// Event kinds.
const (
	EventCooked       = "cooked"
	EventLoadFailed   = "load_failed"
	EventSkipped      = "skipped_iterative"
	EventGC           = "gc"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventCancelled    = "cancelled"
	EventPlatformGone = "platform_pruned"
)

// CookEvent is one line of the cook event log.
type CookEvent struct {
	Time     time.Time `json:"time"`
	RunID    string    `json:"run_id,omitempty"`
	Kind     string    `json:"kind"`
	File     string    `json:"file,omitempty"`
	Platform string    `json:"platform,omitempty"`
	OK       bool      `json:"ok"`
	Reason   string    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EventLog writes cook events under <dataDir>/events.
type EventLog struct{ w *JSONLZstdWriter }

func NewEventLog(dataDir string) *EventLog {
	return &EventLog{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "cook")}
}

func (l *EventLog) WriteEvent(e CookEvent) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return l.w.Write(e)
}

func (l *EventLog) Close() error { return l.w.Close() }
