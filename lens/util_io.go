package lens

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// tailTruncatedMarker starts an output tail which lost its beginning.
const tailTruncatedMarker = "...\n"

// TeeWriter duplicates writes to every non-nil writer.
// Closing the returned writer closes each writer that is an io.Closer.
func TeeWriter(writers ...io.Writer) io.WriteCloser {
	tw := &teeWriter{writers: make([]io.Writer, 0, len(writers))}
	for _, w := range writers {
		if w != nil {
			tw.writers = append(tw.writers, w)
		}
	}
	return tw
}

type teeWriter struct {
	writers []io.Writer
}

func (t *teeWriter) Write(p []byte) (int, error) {
	var errs []error
	for _, w := range t.writers {
		if n, err := w.Write(p); err != nil {
			errs = append(errs, err)
		} else if n != len(p) {
			errs = append(errs, fmt.Errorf("short write %d != %d", n, len(p)))
		}
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return len(p), nil
}

func (t *teeWriter) Close() error {
	var errs []error
	for _, w := range t.writers {
		if c, ok := w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// outputTail keeps the end of a command's output in buf within maxBytes.
// Once trimmed the retained text starts on a line boundary when one is available.
type outputTail struct {
	buf      *bytes.Buffer
	maxBytes int
}

func newOutputTail(buf *bytes.Buffer, maxBytes int) *outputTail {
	return &outputTail{buf: buf, maxBytes: max(maxBytes, 2*len(tailTruncatedMarker))}
}

func (o *outputTail) Write(p []byte) (int, error) {
	o.buf.Write(p)
	if o.buf.Len() <= o.maxBytes {
		return len(p), nil
	}

	current := o.buf.Bytes()
	keep := current[len(current)-o.maxBytes/2:]
	if i := bytes.IndexByte(keep, '\n'); i >= 0 && i < len(keep)-1 {
		keep = keep[i+1:]
	}
	keep = bytes.Clone(keep)
	o.buf.Reset()
	o.buf.WriteString(tailTruncatedMarker)
	o.buf.Write(keep)
	return len(p), nil
}

// lockedWriter serializes writes to a writer shared between output streams.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	return lw.w.Write(p)
}

// lockedBuffer collects output written concurrently from stdout and stderr.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return lb.buf.Write(p)
}

// Bytes returns a copy of the collected output.
func (lb *lockedBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	return bytes.Clone(lb.buf.Bytes())
}
