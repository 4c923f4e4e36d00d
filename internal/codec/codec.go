// Package codec serializes directories to CAS blobs and back.
//
// Every blob starts with a common header:
//
//	"CAS_Dir " + two uppercase hex digits (format tag length) + " " + tag + "\n"
//
// The payload format is owned by the codec registered under the tag. The
// empty tag is the default JSON codec; the compact codec keeps its legacy
// tag for compatibility with existing stores. Tags are matched only against
// the registered set and are never interpreted as anything to load.
package codec

import (
	"fmt"
	"sort"

	"casbak/internal/caserr"
	"casbak/internal/dirent"
)

const magic = "CAS_Dir "

// Codec encodes and decodes a directory payload. Serialization must be
// canonical: the same entries and metadata always produce the same bytes,
// so that structurally identical directories hash identically.
type Codec interface {
	// Format is the tag written into the blob header.
	Format() string

	// EncodePayload serializes entries (already validated and sorted)
	// plus directory metadata.
	EncodePayload(entries []dirent.Entry, meta map[string]string) ([]byte, error)

	// DecodePayload rebuilds the directory from payload bytes. The
	// returned Directory carries Format, Metadata and Entries; Digest is
	// filled in by the caller.
	DecodePayload(payload []byte) (*dirent.Directory, error)
}

var registry = map[string]Codec{}

// Register installs a codec under its format tag. Codecs register at
// program start; registering two codecs with one tag is a bug.
func Register(c Codec) {
	tag := c.Format()
	if _, dup := registry[tag]; dup {
		panic(fmt.Sprintf("codec: duplicate registration for format %q", tag))
	}
	registry[tag] = c
}

// Get returns the codec registered under tag.
func Get(tag string) (Codec, bool) {
	c, ok := registry[tag]
	return c, ok
}

// Default returns the codec for the empty format tag.
func Default() Codec {
	return registry[""]
}

// Encode produces a complete directory blob: common header plus the
// codec's payload. Entries are sorted by name bytewise; invalid or
// duplicate names are rejected.
func Encode(c Codec, entries []dirent.Entry, meta map[string]string) ([]byte, error) {
	tag := c.Format()
	if len(tag) > 0xFF {
		return nil, caserr.Newf(caserr.KindUnsupportedFormat, "format tag %d bytes long", len(tag))
	}

	sorted := make([]dirent.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for i, e := range sorted {
		if !dirent.ValidName(e.Name) {
			return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, "invalid entry name")
		}
		if !e.Kind.Valid() {
			return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, fmt.Sprintf("unknown entry type %q", e.Kind))
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, "duplicate entry name")
		}
	}

	payload, err := c.EncodePayload(sorted, meta)
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf("%s%02X %s\n", magic, len(tag), tag)
	blob := make([]byte, 0, len(header)+len(payload))
	blob = append(blob, header...)
	blob = append(blob, payload...)
	return blob, nil
}

// Decode parses the common header, dispatches on the format tag and
// returns the decoded directory. Any malformed input fails with a
// BadDirectoryBlob error.
func Decode(blob []byte) (*dirent.Directory, error) {
	tag, off, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	c, ok := Get(tag)
	if !ok {
		return nil, caserr.Newf(caserr.KindBadDirectoryBlob, "unknown format tag %q", tag)
	}
	return c.DecodePayload(blob[off:])
}

// parseHeader returns the format tag and the payload offset.
func parseHeader(blob []byte) (string, int, error) {
	if len(blob) < len(magic)+4 {
		return "", 0, caserr.New(caserr.KindBadDirectoryBlob, "blob shorter than header")
	}
	if string(blob[:len(magic)]) != magic {
		return "", 0, caserr.New(caserr.KindBadDirectoryBlob, "bad magic")
	}
	tagLen, err := hexByte(blob[len(magic)], blob[len(magic)+1])
	if err != nil {
		return "", 0, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "bad length header")
	}
	if blob[len(magic)+2] != ' ' {
		return "", 0, caserr.New(caserr.KindBadDirectoryBlob, "bad length header")
	}
	tagStart := len(magic) + 3
	end := tagStart + tagLen
	if len(blob) < end+1 {
		return "", 0, caserr.New(caserr.KindBadDirectoryBlob, "truncated header")
	}
	if blob[end] != '\n' {
		return "", 0, caserr.New(caserr.KindBadDirectoryBlob, "unterminated header")
	}
	return string(blob[tagStart:end]), end + 1, nil
}

func hexByte(hi, lo byte) (int, error) {
	h, err := hexDigit(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexDigit(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexDigit(c byte) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
