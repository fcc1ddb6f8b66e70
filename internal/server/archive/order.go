package archive

import (
	"sort"

	"satchel/internal/server/metadata"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortFiles orders files for download: files with a capture time first,
// oldest first, then the rest in natural name order ("img2" before
// "img10"). Equal keys fall back to a plain name comparison so the order
// is total.
func SortFiles(files []metadata.FileEntry) {
	// Collators keep scratch buffers and must not be shared between goroutines.
	c := collate.New(language.Und, collate.Numeric, collate.IgnoreCase)

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		switch {
		case a.TakenAt != nil && b.TakenAt == nil:
			return true
		case a.TakenAt == nil && b.TakenAt != nil:
			return false
		case a.TakenAt != nil && b.TakenAt != nil && !a.TakenAt.Equal(*b.TakenAt):
			return a.TakenAt.Before(*b.TakenAt)
		}
		if cmp := c.CompareString(a.Name, b.Name); cmp != 0 {
			return cmp < 0
		}
		return a.Name < b.Name
	})
}
