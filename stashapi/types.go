package stashapi

import "time"

// FileMetadata describes a committed file as reported by the Stash API.
type FileMetadata struct {
	Name           string    `json:"name"`
	PathLower      string    `json:"path_lower"`
	PathDisplay    string    `json:"path_display"`
	ID             string    `json:"id"`
	ClientModified time.Time `json:"client_modified"`
	ServerModified time.Time `json:"server_modified"`
	Rev            string    `json:"rev"`
	Size           uint64    `json:"size"`
	ContentHash    string    `json:"content_hash"`
}

// Tag values of Metadata.
const (
	TagFile    = "file"
	TagFolder  = "folder"
	TagDeleted = "deleted"
)

// Metadata is a listing entry: a file, a folder, or a deleted marker. File
// fields are only populated when Tag is TagFile.
type Metadata struct {
	Tag string `json:".tag"`
	FileMetadata
}

// IsFile reports whether the entry is a committed file.
func (m Metadata) IsFile() bool {
	return m.Tag == TagFile
}

// UploadSessionCursor addresses a byte position inside an upload session.
type UploadSessionCursor struct {
	SessionID string `json:"session_id"`
	Offset    uint64 `json:"offset"`
}

// CommitInfo tells the service where and how to materialize an uploaded
// session as a file.
type CommitInfo struct {
	Path           string     `json:"path"`
	ClientModified *time.Time `json:"client_modified,omitempty"`
	Mute           bool       `json:"mute,omitempty"`
}

// ListFolderResult is one page of a folder listing.
type ListFolderResult struct {
	Entries []Metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

// TemporaryLink pairs file metadata with a short-lived direct GET URL. The
// link serves plain HTTP range requests without API authentication.
type TemporaryLink struct {
	Metadata FileMetadata `json:"metadata"`
	Link     string       `json:"link"`
}
