package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"time"

	"satchel/internal/server/metadata"
)

// FingerprintMetaKey is the object metadata key carrying the fingerprint a
// cached archive was built from.
const FingerprintMetaKey = "fileset-fingerprint"

// Fingerprint identifies a set of files by everything that shapes the
// archive built from them: key, size, display name and capture time. It is
// independent of order. A cached archive is only valid for the fingerprint
// it was built from.
func Fingerprint(files []metadata.FileEntry) string {
	sorted := make([]metadata.FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	h := sha256.New()
	for _, f := range sorted {
		taken := ""
		if f.TakenAt != nil {
			taken = f.TakenAt.UTC().Format(time.RFC3339Nano)
		}
		for _, field := range []string{f.Key, strconv.FormatInt(f.Size, 10), f.Name, taken} {
			io.WriteString(h, field)
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
