// Package dirent holds the immutable data model for directory contents:
// the Entry record describing one child of a directory, and the decoded
// Directory object addressed by its blob digest.
package dirent

import (
	"fmt"
	"strings"
)

// Kind classifies a directory entry.
type Kind string

const (
	KindFile     Kind = "file"
	KindDir      Kind = "dir"
	KindSymlink  Kind = "symlink"
	KindBlockDev Kind = "blockdev"
	KindCharDev  Kind = "chardev"
	KindPipe     Kind = "pipe"
	KindSocket   Kind = "socket"
)

var kindCodes = map[Kind]byte{
	KindFile:     'f',
	KindDir:      'd',
	KindSymlink:  'l',
	KindCharDev:  'c',
	KindBlockDev: 'b',
	KindPipe:     'p',
	KindSocket:   's',
}

var codeKinds = func() map[byte]Kind {
	m := make(map[byte]Kind, len(kindCodes))
	for k, c := range kindCodes {
		m[c] = k
	}
	return m
}()

func (k Kind) Valid() bool {
	_, ok := kindCodes[k]
	return ok
}

// Code returns the single-letter type code used by the compact codec.
func (k Kind) Code() (byte, bool) {
	c, ok := kindCodes[k]
	return c, ok
}

func KindFromCode(c byte) (Kind, bool) {
	k, ok := codeKinds[c]
	return k, ok
}

// Entry describes one child of a directory. It is a value type and must
// never be mutated after construction; derive new entries with Clone.
//
// Name and Ref are byte strings carried in Go strings; they need not be
// valid UTF-8. The meaning of Ref depends on Kind: a blob digest for files
// and directories, the link target for symlinks, a device identifier for
// device nodes, and empty for pipes and sockets. A directory Entry with an
// empty Ref marks a directory that was elided at scan time or that exists
// only in the overlay.
//
// The optional stat fields are pointers so that absence stays
// distinguishable from zero.
type Entry struct {
	Name string
	Kind Kind
	Ref  string

	Size     *int64
	CreateTS *int64
	ModifyTS *int64
	ATime    *int64
	CTime    *int64
	Mode     *int64
	UID      *int64
	GID      *int64
	User     *string
	Group    *string
	Dev      *int64
	Inode    *int64
	NLink    *int64
	BlockSz  *int64
	Blocks   *int64
}

// Fields is a loose field/value set used by Clone, AsMap and the codecs.
// Numeric values are int64, names and refs are strings.
type Fields map[string]any

// optInts and optStrs map the optional field names to their Entry fields.
// The maps are unordered; AsMap emits exactly these keys and the JSON
// codec sorts them on output.
var optInts = map[string]func(*Entry) **int64{
	"size":      func(e *Entry) **int64 { return &e.Size },
	"create_ts": func(e *Entry) **int64 { return &e.CreateTS },
	"modify_ts": func(e *Entry) **int64 { return &e.ModifyTS },
	"atime":     func(e *Entry) **int64 { return &e.ATime },
	"ctime":     func(e *Entry) **int64 { return &e.CTime },
	"mode":      func(e *Entry) **int64 { return &e.Mode },
	"uid":       func(e *Entry) **int64 { return &e.UID },
	"gid":       func(e *Entry) **int64 { return &e.GID },
	"dev":       func(e *Entry) **int64 { return &e.Dev },
	"inode":     func(e *Entry) **int64 { return &e.Inode },
	"nlink":     func(e *Entry) **int64 { return &e.NLink },
	"blocksize": func(e *Entry) **int64 { return &e.BlockSz },
	"blocks":    func(e *Entry) **int64 { return &e.Blocks },
}

var optStrs = map[string]func(*Entry) **string{
	"user":  func(e *Entry) **string { return &e.User },
	"group": func(e *Entry) **string { return &e.Group },
}

// AsMap yields the present field/value pairs. This is the canonical input
// to codec serialization: absent optional fields are omitted, an empty Ref
// is omitted.
func (e Entry) AsMap() Fields {
	m := Fields{
		"name": e.Name,
		"type": string(e.Kind),
	}
	if e.Ref != "" {
		m["ref"] = e.Ref
	}
	for name, get := range optInts {
		if p := *get(&e); p != nil {
			m[name] = *p
		}
	}
	for name, get := range optStrs {
		if p := *get(&e); p != nil {
			m[name] = *p
		}
	}
	return m
}

// Clone returns a copy of e with changes applied. A nil value clears an
// optional field. Unknown field names and mistyped values are rejected.
func (e Entry) Clone(changes Fields) (Entry, error) {
	out := e
	for name, val := range changes {
		switch name {
		case "name":
			s, ok := val.(string)
			if !ok {
				return Entry{}, fmt.Errorf("entry field %q: want string, got %T", name, val)
			}
			out.Name = s
		case "type":
			var k Kind
			switch v := val.(type) {
			case Kind:
				k = v
			case string:
				k = Kind(v)
			default:
				return Entry{}, fmt.Errorf("entry field %q: want type kind, got %T", name, val)
			}
			if !k.Valid() {
				return Entry{}, fmt.Errorf("entry field %q: unknown kind %q", name, k)
			}
			out.Kind = k
		case "ref":
			s, ok := val.(string)
			if !ok {
				return Entry{}, fmt.Errorf("entry field %q: want string, got %T", name, val)
			}
			out.Ref = s
		default:
			if get, ok := optInts[name]; ok {
				if val == nil {
					*get(&out) = nil
					continue
				}
				n, err := toInt64(val)
				if err != nil {
					return Entry{}, fmt.Errorf("entry field %q: %w", name, err)
				}
				*get(&out) = &n
				continue
			}
			if get, ok := optStrs[name]; ok {
				if val == nil {
					*get(&out) = nil
					continue
				}
				s, ok := val.(string)
				if !ok {
					return Entry{}, fmt.Errorf("entry field %q: want string, got %T", name, val)
				}
				*get(&out) = &s
				continue
			}
			return Entry{}, fmt.Errorf("unknown entry field %q", name)
		}
	}
	return out, nil
}

// FromMap builds an Entry from field/value pairs, the inverse of AsMap.
func FromMap(m Fields) (Entry, error) {
	return Entry{}.Clone(m)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

// I64 and Str are shorthands for building optional fields in literals.
func I64(v int64) *int64    { return &v }
func Str(s string) *string  { return &s }

// Equal compares two entries field by field, treating absent optionals as
// distinct from zero.
func (e Entry) Equal(o Entry) bool {
	if e.Name != o.Name || e.Kind != o.Kind || e.Ref != o.Ref {
		return false
	}
	for _, get := range optInts {
		a, b := *get(&e), *get(&o)
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	for _, get := range optStrs {
		a, b := *get(&e), *get(&o)
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	return true
}

// ValidName reports whether name is usable as an entry name: non-empty and
// free of separators and NUL.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\x00")
}
