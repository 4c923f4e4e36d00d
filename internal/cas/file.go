package cas

import "bytes"

// File is a read handle over one stored blob. The content is held
// decompressed in memory; File is safe to share read-only but a single
// File's seek position is not.
type File struct {
	digest  string
	content []byte
	r       *bytes.Reader
}

func newFile(digest string, content []byte) *File {
	return &File{digest: digest, content: content, r: bytes.NewReader(content)}
}

func (f *File) Read(p []byte) (int, error)                 { return f.r.Read(p) }
func (f *File) ReadAt(p []byte, off int64) (int, error)    { return f.r.ReadAt(p, off) }
func (f *File) Seek(off int64, whence int) (int64, error)  { return f.r.Seek(off, whence) }

// Len is the uncompressed content length.
func (f *File) Len() int64 { return int64(len(f.content)) }

// Digest is the content address of this blob.
func (f *File) Digest() string { return f.digest }

// Bytes exposes the content without copying. Callers must not modify it.
func (f *File) Bytes() []byte { return f.content }
