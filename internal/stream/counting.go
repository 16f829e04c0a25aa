package stream

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// countingReader tracks compressed bytes consumed and remembers the first
// read failure of the underlying file so it can be told apart from
// decompression errors.
type countingReader struct {
	r io.Reader
	n atomic.Int64

	mu  sync.Mutex
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *countingReader) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
