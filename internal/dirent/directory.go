package dirent

import (
	"sort"
	"strings"
)

// Directory is a decoded directory blob. It is immutable once built: the
// cache hands the same instance to every caller requesting its digest.
type Directory struct {
	// Digest of the serialized blob this directory was decoded from.
	// Empty for directories assembled in memory that were never stored.
	Digest string

	// Format is the codec tag the blob was encoded with. The default
	// JSON codec uses the empty tag.
	Format string

	// Metadata is the open-ended key/value set attached to the directory
	// as a whole.
	Metadata map[string]string

	// Entries sorted by Name as byte sequences. No two entries share a
	// name under the active case policy.
	Entries []Entry
}

// Lookup finds the entry named name. With fold set the lookup key is
// case-folded while stored names keep their original case.
func (d *Directory) Lookup(name string, fold bool) (Entry, bool) {
	if fold {
		key := strings.ToLower(name)
		for _, e := range d.Entries {
			if strings.ToLower(e.Name) == key {
				return e, true
			}
		}
		return Entry{}, false
	}
	i := sort.Search(len(d.Entries), func(i int) bool {
		return d.Entries[i].Name >= name
	})
	if i < len(d.Entries) && d.Entries[i].Name == name {
		return d.Entries[i], true
	}
	return Entry{}, false
}
