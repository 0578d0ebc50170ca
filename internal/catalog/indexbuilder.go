package catalog

import "github.com/Aman-CERP/tamizdat/internal/store"

// BuildIndexEntries returns one index entry per card, carrying every
// searchable field verbatim and the owning book id.
func BuildIndexEntries(cards []store.Card) []store.IndexEntry {
	entries := make([]store.IndexEntry, 0, len(cards))
	for _, c := range cards {
		entries = append(entries, store.NewIndexEntry(c))
	}
	return entries
}
