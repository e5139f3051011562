package mediatypes

import (
	"path/filepath"
	"strings"
)

// FileType is the coarse kind of a directory entry.
type FileType string

const (
	FileTypeFolder FileType = "folder"
	FileTypeVideo  FileType = "video"
	FileTypeOther  FileType = "other"
)

// SortField orders folder batches.
type SortField string

// SortOrder is the direction of a SortField.
type SortOrder string

const (
	SortByName SortField = "name"
	SortByDate SortField = "date"
	SortBySize SortField = "size"

	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Content types of what the server produces.
const (
	MimeQuickTime = "video/quicktime"
	MimeMediaLink = "application/x-quicktime-media-link"
	MimeJSON      = "application/json"
)

// VideoExtensions are the source formats accepted for transcoding.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
	".ts":   true,
}

// MimeTypes maps source extensions to their MIME types.
var MimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  MimeQuickTime,
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".3gp":  "video/3gpp",
	".ts":   "video/mp2t",
	".qtl":  MimeMediaLink,
}

// Ext returns the lowercased extension of path, including the dot.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// GetFileType returns the FileType for a lowercase extension.
func GetFileType(ext string) FileType {
	if VideoExtensions[ext] {
		return FileTypeVideo
	}
	return FileTypeOther
}

// GetMimeType returns the MIME type for an extension, or
// application/octet-stream.
func GetMimeType(ext string) string {
	if mime, ok := MimeTypes[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// IsTranscodable reports whether files with ext can be requested.
func IsTranscodable(ext string) bool {
	return GetFileType(ext) == FileTypeVideo
}

// ParseSort validates sort parameters, defaulting to name ascending.
func ParseSort(field, order string) (SortField, SortOrder) {
	f := SortField(strings.ToLower(field))
	switch f {
	case SortByName, SortByDate, SortBySize:
	default:
		f = SortByName
	}
	o := SortOrder(strings.ToLower(order))
	if o != SortDesc {
		o = SortAsc
	}
	return f, o
}
