package testutil

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

// CountingFs wraps an afero.Fs and tracks file handles that were opened
// but not yet closed.
type CountingFs struct {
	afero.Fs
	open   atomic.Int64
	opened atomic.Int64
}

// NewCountingFs wraps fs.
func NewCountingFs(fs afero.Fs) *CountingFs {
	return &CountingFs{Fs: fs}
}

// OpenHandles returns the number of handles not yet closed.
func (c *CountingFs) OpenHandles() int64 { return c.open.Load() }

// TotalOpened returns the number of successful opens.
func (c *CountingFs) TotalOpened() int64 { return c.opened.Load() }

func (c *CountingFs) Open(name string) (afero.File, error) {
	f, err := c.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return c.track(f), nil
}

func (c *CountingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := c.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return c.track(f), nil
}

func (c *CountingFs) Name() string { return "CountingFs" }

func (c *CountingFs) track(f afero.File) afero.File {
	c.open.Add(1)
	c.opened.Add(1)
	return &countingFile{File: f, fs: c}
}

type countingFile struct {
	afero.File
	fs   *CountingFs
	once sync.Once
}

func (f *countingFile) Close() error {
	err := f.File.Close()
	f.once.Do(func() { f.fs.open.Add(-1) })
	return err
}
