package database

import "time"

// DownloadEvent is one row of the download event log.
type DownloadEvent struct {
	ID        string
	Slug      string
	Type      string
	FileCount int
	Bytes     int64
	Cached    bool
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// Stats holds aggregate download statistics.
type Stats struct {
	TotalDownloads  int64
	UniqueUploads   int64
	BytesServed     int64
	CachedDownloads int64
	Last24h         int64
}

// SlugStats is the download summary of one upload.
type SlugStats struct {
	Slug         string
	Downloads    int64
	BytesServed  int64
	LastDownload time.Time
}
