package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"casbak/internal/caserr"
	"casbak/internal/dirent"
)

// jsonCodec is the default directory codec: a canonical JSON object
// {"entries": [...], "metadata": {...}} with entries sorted by name and
// object keys sorted. Non-UTF-8 byte strings are wrapped as
// {"bytes": <base64>} so round-trips stay lossless.
type jsonCodec struct{}

func init() {
	Register(jsonCodec{})
}

func (jsonCodec) Format() string { return "" }

func (jsonCodec) EncodePayload(entries []dirent.Entry, meta map[string]string) ([]byte, error) {
	ents := make([]map[string]any, len(entries))
	for i, e := range entries {
		m := map[string]any(e.AsMap())
		for k, v := range m {
			if s, ok := v.(string); ok {
				m[k] = jsonString(s)
			}
		}
		ents[i] = m
	}
	md := map[string]any{}
	for k, v := range meta {
		md[k] = jsonString(v)
	}
	// encoding/json writes map keys in sorted order, which together with
	// the pre-sorted entry slice makes the output canonical.
	payload, err := json.Marshal(map[string]any{
		"entries":  ents,
		"metadata": md,
	})
	if err != nil {
		return nil, caserr.Wrap(caserr.KindUnsupportedFormat, err, "encoding directory payload")
	}
	return payload, nil
}

func (jsonCodec) DecodePayload(payload []byte) (*dirent.Directory, error) {
	var raw struct {
		Entries  []map[string]json.RawMessage `json:"entries"`
		Metadata map[string]json.RawMessage   `json:"metadata"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "invalid JSON payload")
	}

	meta := make(map[string]string, len(raw.Metadata))
	for k, v := range raw.Metadata {
		s, err := decodeString(v)
		if err != nil {
			return nil, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "metadata value")
		}
		meta[k] = s
	}

	entries := make([]dirent.Entry, 0, len(raw.Entries))
	for _, rawEnt := range raw.Entries {
		fields := dirent.Fields{}
		for k, v := range rawEnt {
			switch k {
			case "name", "type", "ref", "user", "group":
				s, err := decodeString(v)
				if err != nil {
					return nil, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "entry field "+k)
				}
				fields[k] = s
			default:
				var n json.Number
				if err := json.Unmarshal(v, &n); err != nil {
					return nil, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "entry field "+k)
				}
				i, err := n.Int64()
				if err != nil {
					return nil, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "entry field "+k)
				}
				fields[k] = i
			}
		}
		e, err := dirent.FromMap(fields)
		if err != nil {
			return nil, caserr.Wrap(caserr.KindBadDirectoryBlob, err, "invalid entry")
		}
		entries = append(entries, e)
	}

	return &dirent.Directory{
		Format:   "",
		Metadata: meta,
		Entries:  entries,
	}, nil
}

// jsonString maps a byte string to its JSON representation: the string
// itself when valid UTF-8, otherwise the {"bytes": base64} fallback.
func jsonString(s string) any {
	if utf8.ValidString(s) {
		return s
	}
	return map[string]string{"bytes": base64.StdEncoding.EncodeToString([]byte(s))}
}

// decodeString accepts either a plain JSON string or the {"bytes": base64}
// fallback form.
func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var wrapped struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return "", err
	}
	b, err := base64.StdEncoding.DecodeString(wrapped.Bytes)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
