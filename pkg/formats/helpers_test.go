package formats

import (
	"io"
	"strings"
	"sync/atomic"
)

type closeCounter struct {
	io.Reader
	closed atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func stringSource(s string) *closeCounter {
	return &closeCounter{Reader: strings.NewReader(s)}
}
