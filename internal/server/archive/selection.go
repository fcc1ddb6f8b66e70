package archive

import (
	"errors"
	"path"
	"strings"

	"satchel/internal/server/metadata"
)

var (
	ErrMissingParameter = errors.New("missing required parameter")
	ErrNoMatchingFiles  = errors.New("no matching files")
)

// Mode selects which files of an upload a download covers.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeSelected Mode = "selected"
	ModeFolder   Mode = "folder"
	ModeSingle   Mode = "single"
)

// Selection is the file subset requested by a download.
type Selection struct {
	Mode   Mode
	Keys   []string
	Folder string
	Key    string
}

// Resolve applies the junk filter, narrows the files of meta down to sel
// and returns them in download order.
func Resolve(meta *metadata.UploadMetadata, sel Selection) ([]metadata.FileEntry, error) {
	files := Visible(meta)

	var picked []metadata.FileEntry
	switch sel.Mode {
	case ModeAll:
		picked = files

	case ModeSelected:
		if len(sel.Keys) == 0 {
			return nil, ErrMissingParameter
		}
		want := make(map[string]bool, len(sel.Keys))
		for _, k := range sel.Keys {
			want[k] = true
		}
		for _, f := range files {
			if want[f.Key] {
				picked = append(picked, f)
			}
		}

	case ModeFolder:
		folder := normalizeFolder(sel.Folder)
		if folder == "" {
			return nil, ErrMissingParameter
		}
		for _, f := range files {
			if path.Dir(cleanName(f.Name)) == folder {
				picked = append(picked, f)
			}
		}

	case ModeSingle:
		if sel.Key == "" {
			return nil, ErrMissingParameter
		}
		for _, f := range files {
			if f.Key == sel.Key {
				picked = append(picked, f)
				break
			}
		}

	default:
		return nil, ErrMissingParameter
	}

	if len(picked) == 0 {
		return nil, ErrNoMatchingFiles
	}
	SortFiles(picked)
	return picked, nil
}

// Visible returns the files of meta that pass the junk filter, in stored order.
func Visible(meta *metadata.UploadMetadata) []metadata.FileEntry {
	prefix := metadata.UploadPrefix(meta.Slug)
	visible := make([]metadata.FileEntry, 0, len(meta.Files))
	for _, f := range meta.Files {
		if IsJunk(f.Name) || IsJunk(strings.TrimPrefix(f.Key, prefix)) {
			continue
		}
		visible = append(visible, f)
	}
	return visible
}

var (
	junkNames = map[string]bool{
		"thumbs.db":   true,
		"desktop.ini": true,
		"ehthumbs.db": true,
	}
	junkDirs = map[string]bool{
		"__macosx": true,
		"@eadir":   true,
	}
	sidecarExts = map[string]bool{
		".xmp": true,
		".aae": true,
		".thm": true,
	}
)

// IsJunk reports whether a display path names a system or sidecar file:
// dotfiles and anything inside a dot-directory, OS thumbnail caches, NAS
// and macOS resource folders, and photo sidecar metadata.
func IsJunk(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	segments := strings.Split(strings.Trim(name, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, ".") {
			return true
		}
		if i < len(segments)-1 && junkDirs[strings.ToLower(seg)] {
			return true
		}
	}

	base := strings.ToLower(segments[len(segments)-1])
	if junkNames[base] {
		return true
	}
	return sidecarExts[path.Ext(base)]
}

func normalizeFolder(folder string) string {
	folder = strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	if folder == "" {
		return ""
	}
	return path.Clean(folder)
}

func cleanName(name string) string {
	return path.Clean(strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/"))
}
