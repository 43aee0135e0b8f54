// Package capture redirects the process's standard streams into a buffer for
// the duration of one test invocation.
//
// Redirection swaps the os.Stdout and os.Stderr variables, which are process
// wide. Only one Capture may be active at a time: Start returns ErrActive
// while another Capture is running, and whatever the caller prints lands in
// that enclosing Capture instead. Loggers that resolved os.Stderr before
// Start (the standard library "log" package, for example) keep writing to
// the real stream.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/acarl005/stripansi"
)

// active is held by the running Capture.
var active sync.Mutex

// ErrActive is returned by Start while another Capture is running, either
// on behalf of an enclosing invocation or a concurrent one.
var ErrActive = errors.New("output capture already active")

type Options struct {
	// MaxBytes bounds the captured text; older output is discarded first.
	MaxBytes int
	// StripANSI removes terminal escape sequences from the captured text.
	StripANSI bool
	// Quiet suppresses the echo to the original stdout.
	Quiet bool
}

// Capture is an active redirection. Both streams feed a single pipe, so the
// captured text keeps the relative order of stdout and stderr writes; while
// active, everything is echoed to the original stdout.
type Capture struct {
	opts    Options
	origOut *os.File
	origErr *os.File
	r, w    *os.File
	buf     *tailBuffer
	copied  chan struct{}

	stopOnce sync.Once
	text     string
	err      error
}

// Start begins capturing with default options.
func Start() (*Capture, error) {
	return StartWithOptions(Options{})
}

// StartWithOptions begins capturing. The caller must call Stop on every
// exit path, typically with defer.
func StartWithOptions(opts Options) (*Capture, error) {
	if !active.TryLock() {
		return nil, ErrActive
	}
	r, w, err := os.Pipe()
	if err != nil {
		active.Unlock()
		return nil, fmt.Errorf("failed to create capture pipe: %w", err)
	}
	c := &Capture{
		opts:    opts,
		origOut: os.Stdout,
		origErr: os.Stderr,
		r:       r,
		w:       w,
		buf:     newTailBuffer(opts.MaxBytes),
		copied:  make(chan struct{}),
	}
	var echo io.Writer
	if !opts.Quiet {
		echo = c.origOut
	}
	go c.copy(echo)

	os.Stdout = w
	os.Stderr = w
	return c, nil
}

func (c *Capture) copy(echo io.Writer) {
	defer close(c.copied)
	_, _ = io.Copy(teeWriter{buf: c.buf, echo: echo}, c.r)
}

// Stop restores the original streams, waits for every captured byte to be
// drained and returns the text. It is safe to call more than once.
func (c *Capture) Stop() (string, error) {
	c.stopOnce.Do(func() {
		defer active.Unlock()

		os.Stdout = c.origOut
		os.Stderr = c.origErr

		werr := c.w.Close()
		<-c.copied
		rerr := c.r.Close()

		c.text = string(c.buf.Bytes())
		if c.opts.StripANSI {
			c.text = stripansi.Strip(c.text)
		}
		c.err = errors.Join(werr, rerr)
	})
	return c.text, c.err
}

// Truncated reports whether output was discarded to honour MaxBytes.
func (c *Capture) Truncated() bool {
	return c.buf.Truncated()
}

// TotalBytes is the number of bytes written while capturing, including any
// that were discarded.
func (c *Capture) TotalBytes() int64 {
	return c.buf.TotalBytes()
}

// teeWriter writes to the buffer and, best effort, to the echo stream. A
// broken echo stream must not stop the capture.
type teeWriter struct {
	buf  io.Writer
	echo io.Writer
}

func (t teeWriter) Write(p []byte) (int, error) {
	n, err := t.buf.Write(p)
	if t.echo != nil {
		_, _ = t.echo.Write(p)
	}
	return n, err
}
