// Package recording writes terminal sessions as asciinema v2 cast files: a
// JSON header line followed by one [elapsed, "o"|"i", data] line per event.
package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gluk-w/webssh/internal/bridge"
)

// Header is the first line of a cast file.
type Header struct {
	Version   int               `json:"version"`
	Width     uint16            `json:"width"`
	Height    uint16            `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Cast records timestamped terminal I/O into w. It is safe for concurrent
// use. The first write error stops the recording and is returned by Close.
//
// Event data is a JSON string, so a UTF-8 sequence split across two reads
// is held back and prepended to the next event of the same kind.
type Cast struct {
	mu        sync.Mutex
	w         *bufio.Writer
	closer    io.Closer
	start     time.Time
	now       func() time.Time
	maxEvents int
	events    int
	err       error
	closed    bool
	pending   map[string][]byte
}

// New writes the header and returns a Cast. If maxEvents <= 0 there is no
// limit; events beyond the limit are dropped.
func New(w io.WriteCloser, h Header, maxEvents int) (*Cast, error) {
	c := &Cast{
		w:         bufio.NewWriter(w),
		closer:    w,
		now:       time.Now,
		maxEvents: maxEvents,
		pending:   make(map[string][]byte),
	}
	c.start = c.now()
	h.Version = 2
	if h.Timestamp == 0 {
		h.Timestamp = c.start.Unix()
	}

	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal cast header: %w", err)
	}
	if err := c.writeLine(line); err != nil {
		w.Close()
		return nil, fmt.Errorf("write cast header: %w", err)
	}
	return c, nil
}

// RecordOutput adds an output event.
func (c *Cast) RecordOutput(data []byte) { c.record("o", data) }

// RecordInput adds an input event.
func (c *Cast) RecordInput(data []byte) { c.record("i", data) }

func (c *Cast) record(kind string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return
	}
	if c.maxEvents > 0 && c.events >= c.maxEvents {
		return
	}

	if p := c.pending[kind]; len(p) > 0 {
		data = append(p, data...)
		delete(c.pending, kind)
	}
	data, tail := splitIncompleteRune(data)
	if len(tail) > 0 {
		c.pending[kind] = append([]byte(nil), tail...)
	}
	if len(data) == 0 {
		return
	}
	c.writeEvent(kind, data)
}

func (c *Cast) writeEvent(kind string, data []byte) {
	elapsed := c.now().Sub(c.start).Seconds()
	line, err := json.Marshal([]any{elapsed, kind, string(data)})
	if err != nil {
		c.err = err
		return
	}
	if err := c.writeLine(line); err != nil {
		c.err = err
		return
	}
	c.events++
}

// splitIncompleteRune separates a trailing partial UTF-8 sequence from b.
func splitIncompleteRune(b []byte) (complete, tail []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:]) {
			return b, nil
		}
		return b[:start], b[start:]
	}
	return b, nil
}

func (c *Cast) writeLine(line []byte) error {
	if _, err := c.w.Write(line); err != nil {
		return err
	}
	return c.w.WriteByte('\n')
}

// Events returns the number of recorded events.
func (c *Cast) Events() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Close flushes and closes the underlying writer.
func (c *Cast) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.err
	}
	// Leftover partial sequences are written as they are.
	for _, kind := range []string{"o", "i"} {
		if p := c.pending[kind]; len(p) > 0 && c.err == nil && (c.maxEvents <= 0 || c.events < c.maxEvents) {
			c.writeEvent(kind, p)
		}
	}
	c.pending = nil
	c.closed = true

	if err := c.w.Flush(); err != nil && c.err == nil {
		c.err = err
	}
	if err := c.closer.Close(); err != nil && c.err == nil {
		c.err = err
	}
	return c.err
}

// Dir creates one cast file per session in Path.
type Dir struct {
	Path string
	// MaxEvents caps events per file; zero means unlimited.
	MaxEvents int
}

// Open is a bridge.RecorderFactory.
func (d Dir) Open(info bridge.SessionInfo) (bridge.Recorder, error) {
	if err := os.MkdirAll(d.Path, 0700); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	started := info.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	name := fmt.Sprintf("%s-%s.cast", started.UTC().Format("20060102T150405Z"), info.ID)
	f, err := os.OpenFile(filepath.Join(d.Path, filepath.Base(name)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	h := Header{
		Width:     info.Cols,
		Height:    info.Rows,
		Timestamp: started.Unix(),
		Title:     fmt.Sprintf("%s@%s", info.Username, info.Host),
	}
	if info.Term != "" {
		h.Env = map[string]string{"TERM": info.Term}
	}
	c, err := New(f, h, d.MaxEvents)
	if err != nil {
		return nil, err
	}
	return c, nil
}
