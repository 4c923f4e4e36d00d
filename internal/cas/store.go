// Package cas implements the deduplicating content-addressable store.
// Blobs live as sharded files under the store root, optionally zstd
// compressed; per-blob metadata (size, refcount, compression flag) lives
// in badger; a bounded LRU keeps hot content in memory.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"casbak/internal/caserr"
)

const metaPrefix = "cas:"

// ContentMeta stores per-blob bookkeeping.
type ContentMeta struct {
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	RefCount   uint32    `json:"ref_count"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the content-addressable store. Digests are lowercase sha256
// hex. The store is safe for concurrent readers. Reference counts are
// read and written back in separate badger transactions, so concurrent
// writes of the same digest are not serialized.
type Store struct {
	root  string
	db    *badger.DB
	cache *lru.Cache[string, []byte]
	comp  *compressor
	log   *zap.Logger
}

// Options configures a Store.
type Options struct {
	// Root directory for content files.
	Root string
	// CacheSize is the number of blobs kept in the memory cache.
	CacheSize int
	// Compression settings; zero value means defaults.
	Compression CompressionOptions
	Logger      *zap.Logger
}

// New opens a store over db and opts.Root, creating the root if needed.
func New(db *badger.DB, opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("content root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating content root: %w", err)
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 512
	}
	if opts.Compression == (CompressionOptions{}) {
		opts.Compression = DefaultCompressionOptions()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating content cache: %w", err)
	}
	comp, err := newCompressor(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &Store{
		root:  opts.Root,
		db:    db,
		cache: cache,
		comp:  comp,
		log:   opts.Logger,
	}, nil
}

// HashBytes computes the digest of content without storing it.
func HashBytes(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// HashOfNull is the digest of the empty blob.
func (s *Store) HashOfNull() string {
	return HashBytes(nil)
}

// PutScalar stores content and returns its digest. Storing existing
// content only bumps the reference count.
func (s *Store) PutScalar(content []byte) (string, error) {
	if content == nil {
		content = []byte{}
	}
	digest := HashBytes(content)

	exists, err := s.hasMeta(digest)
	if err != nil {
		return "", err
	}
	if exists {
		if err := s.bumpRefCount(digest, 1); err != nil {
			return "", err
		}
		return digest, nil
	}

	stored, compressed := s.comp.compress(content)
	path := s.contentPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", caserr.Wrap(caserr.KindCasIo, err, "creating content directory")
	}
	if err := os.WriteFile(path, stored, 0644); err != nil {
		return "", caserr.Wrap(caserr.KindCasIo, err, "writing content file")
	}

	meta := ContentMeta{
		Digest:     digest,
		Size:       int64(len(content)),
		RefCount:   1,
		Compressed: compressed,
		CreatedAt:  time.Now(),
	}
	if err := s.putMeta(meta); err != nil {
		os.Remove(path)
		return "", err
	}

	s.cache.Add(digest, content)
	s.log.Debug("stored blob",
		zap.String("digest", digest),
		zap.Int64("size", meta.Size),
		zap.Bool("compressed", compressed))
	return digest, nil
}

// PutFile stores the contents of a file on the real filesystem.
func (s *Store) PutFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", caserr.Wrap(caserr.KindCasIo, err, "reading source file")
	}
	return s.PutScalar(content)
}

// PutHandle stores everything readable from r.
func (s *Store) PutHandle(r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", caserr.Wrap(caserr.KindCasIo, err, "reading source handle")
	}
	return s.PutScalar(content)
}

// Get returns a read handle for digest, or (nil, nil) when the store has
// no such blob.
func (s *Store) Get(digest string) (*File, error) {
	if !validDigest(digest) {
		return nil, caserr.Newf(caserr.KindCasIo, "invalid digest %q", digest)
	}

	if content, ok := s.cache.Get(digest); ok {
		return newFile(digest, content), nil
	}

	meta, found, err := s.getMeta(digest)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	stored, err := os.ReadFile(s.contentPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, caserr.NewPath(caserr.KindCasIo, digest, "content file missing for known blob")
		}
		return nil, caserr.Wrap(caserr.KindCasIo, err, "reading content file")
	}

	content := stored
	if meta.Compressed {
		content, err = s.comp.decompress(stored)
		if err != nil {
			return nil, caserr.Wrap(caserr.KindCasIo, err, "decompressing content")
		}
	}
	if HashBytes(content) != digest {
		return nil, caserr.NewPath(caserr.KindCasIo, digest, "content hash mismatch")
	}

	s.cache.Add(digest, content)
	return newFile(digest, content), nil
}

// Exists reports whether the store holds digest.
func (s *Store) Exists(digest string) bool {
	if !validDigest(digest) {
		return false
	}
	if s.cache.Contains(digest) {
		return true
	}
	ok, err := s.hasMeta(digest)
	return err == nil && ok
}

// Validate reports whether the blob can be read back. Content read from
// disk is re-hashed against digest; a blob held in the memory cache is
// returned from there without re-reading or re-hashing.
func (s *Store) Validate(digest string) bool {
	f, err := s.Get(digest)
	return err == nil && f != nil
}

// Delete decrements the blob's reference count and removes content and
// metadata when it reaches zero.
func (s *Store) Delete(digest string) error {
	if !validDigest(digest) {
		return caserr.Newf(caserr.KindCasIo, "invalid digest %q", digest)
	}
	meta, found, err := s.getMeta(digest)
	if err != nil {
		return err
	}
	if !found {
		return caserr.NewPath(caserr.KindCasIo, digest, "blob not found")
	}

	meta.RefCount--
	if meta.RefCount > 0 {
		return s.putMeta(meta)
	}

	if err := os.Remove(s.contentPath(digest)); err != nil && !os.IsNotExist(err) {
		return caserr.Wrap(caserr.KindCasIo, err, "removing content file")
	}
	if err := s.deleteMeta(digest); err != nil {
		return err
	}
	s.cache.Remove(digest)
	return nil
}

func (s *Store) contentPath(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:])
}

func validDigest(digest string) bool {
	if len(digest) != 64 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

func metaKey(digest string) []byte {
	return []byte(metaPrefix + digest)
}

func (s *Store) putMeta(meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "marshaling blob metadata")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.Digest), data)
	})
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "storing blob metadata")
	}
	return nil
}

func (s *Store) getMeta(digest string) (ContentMeta, bool, error) {
	var meta ContentMeta
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(digest))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return ContentMeta{}, false, caserr.Wrap(caserr.KindCasIo, err, "reading blob metadata")
	}
	return meta, found, nil
}

func (s *Store) hasMeta(digest string) (bool, error) {
	_, found, err := s.getMeta(digest)
	return found, err
}

func (s *Store) deleteMeta(digest string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(digest))
	})
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "deleting blob metadata")
	}
	return nil
}

func (s *Store) bumpRefCount(digest string, delta int32) error {
	meta, found, err := s.getMeta(digest)
	if err != nil {
		return err
	}
	if !found {
		return caserr.NewPath(caserr.KindCasIo, digest, "blob not found")
	}
	meta.RefCount = uint32(int32(meta.RefCount) + delta)
	return s.putMeta(meta)
}
