package codec

import (
	"casbak/internal/caserr"
	"casbak/internal/dirent"
)

// MinimalFormat is the compact codec's tag. Historical value, treated as
// an opaque identifier.
const MinimalFormat = "File::CAS::Dir::Minimal"

// minimalCodec packs each entry as
//
//	nameLen valLen typeCode name NUL val NUL
//
// with one-byte lengths, entries sorted by name. It stores no optional
// metadata, trading fidelity for size.
type minimalCodec struct{}

func init() {
	Register(minimalCodec{})
}

func (minimalCodec) Format() string { return MinimalFormat }

func (minimalCodec) EncodePayload(entries []dirent.Entry, _ map[string]string) ([]byte, error) {
	var size int
	for _, e := range entries {
		size += 3 + len(e.Name) + 1 + len(e.Ref) + 1
	}
	payload := make([]byte, 0, size)
	for _, e := range entries {
		if len(e.Name) > 0xFF {
			return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, "entry name longer than 255 bytes")
		}
		if len(e.Ref) > 0xFF {
			return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, "entry value longer than 255 bytes")
		}
		code, ok := e.Kind.Code()
		if !ok {
			return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, "entry type without code")
		}
		payload = append(payload, byte(len(e.Name)), byte(len(e.Ref)), code)
		payload = append(payload, e.Name...)
		payload = append(payload, 0)
		payload = append(payload, e.Ref...)
		payload = append(payload, 0)
	}
	return payload, nil
}

func (minimalCodec) DecodePayload(payload []byte) (*dirent.Directory, error) {
	var entries []dirent.Entry
	for off := 0; off < len(payload); {
		if len(payload)-off < 3 {
			return nil, caserr.New(caserr.KindBadDirectoryBlob, "truncated entry header")
		}
		nameLen := int(payload[off])
		valLen := int(payload[off+1])
		kind, ok := dirent.KindFromCode(payload[off+2])
		if !ok {
			return nil, caserr.Newf(caserr.KindBadDirectoryBlob, "unknown type code %q", payload[off+2])
		}
		off += 3
		if len(payload)-off < nameLen+1+valLen+1 {
			return nil, caserr.New(caserr.KindBadDirectoryBlob, "truncated entry")
		}
		name := string(payload[off : off+nameLen])
		off += nameLen
		if payload[off] != 0 {
			return nil, caserr.New(caserr.KindBadDirectoryBlob, "missing name terminator")
		}
		off++
		val := string(payload[off : off+valLen])
		off += valLen
		if payload[off] != 0 {
			return nil, caserr.New(caserr.KindBadDirectoryBlob, "missing value terminator")
		}
		off++
		entries = append(entries, dirent.Entry{Name: name, Kind: kind, Ref: val})
	}
	return &dirent.Directory{
		Format:   MinimalFormat,
		Metadata: map[string]string{},
		Entries:  entries,
	}, nil
}
