package treefs

import (
	"io"
	"os"

	billy "github.com/go-git/go-billy/v5"
)

// memFile serves generated content (field values, the dataset summary).
type memFile struct {
	name string
	data []byte
	pos  int64
}

func (f *memFile) Name() string { return f.name }

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	if f.pos >= int64(len(f.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = int64(len(f.data)) + offset
	}
	if pos < 0 {
		pos = 0
	}
	f.pos = pos
	return f.pos, nil
}

func (f *memFile) Write([]byte) (int, error) { return 0, errReadOnly }
func (f *memFile) Truncate(int64) error      { return errReadOnly }
func (f *memFile) Lock() error               { return nil }
func (f *memFile) Unlock() error             { return nil }
func (f *memFile) Close() error              { return nil }

// diskFile passes reads through to a file in the backing store.
type diskFile struct {
	name string
	f    *os.File
}

func (f *diskFile) Name() string                           { return f.name }
func (f *diskFile) Read(p []byte) (int, error)             { return f.f.Read(p) }
func (f *diskFile) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }
func (f *diskFile) Seek(offset int64, whence int) (int64, error) {
	return f.f.Seek(offset, whence)
}
func (f *diskFile) Write([]byte) (int, error) { return 0, errReadOnly }
func (f *diskFile) Truncate(int64) error      { return errReadOnly }
func (f *diskFile) Lock() error               { return nil }
func (f *diskFile) Unlock() error             { return nil }
func (f *diskFile) Close() error              { return f.f.Close() }

var (
	_ billy.File = (*memFile)(nil)
	_ billy.File = (*diskFile)(nil)
)
