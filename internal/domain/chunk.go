// Package domain holds the types shared by the ingestion, retrieval and agent packages.
package domain

import (
	"strconv"
	"strings"
)

// SessionID identifies one user session. It is assigned by the host
// (the gateway connection id, or a CLI-generated id) and is opaque here.
type SessionID string

func (id SessionID) String() string { return string(id) }

// Flattened metadata keys, used by filters and by the retrieval formatter.
const (
	KeySessionID  = "session_id"
	KeyFileName   = "file_name"
	KeyHeaderPath = "header_path"
	KeyPage       = "page"
	KeyUploadID   = "upload_id"
)

// HeaderPathSeparator joins header path segments in flattened metadata.
const HeaderPathSeparator = " > "

// Metadata is the provenance attached to every chunk.
type Metadata struct {
	SessionID  SessionID `json:"session_id"`
	FileName   string    `json:"file_name"`
	HeaderPath []string  `json:"header_path,omitempty"`
	Page       int       `json:"page,omitempty"` // 1-based; 0 when not a paged source
	ChunkIndex int       `json:"chunk_index"`
	UploadID   string    `json:"upload_id,omitempty"` // tells re-uploads of one file name apart
}

// Flatten renders metadata as string key/value pairs. Empty values are omitted.
func (m Metadata) Flatten() map[string]string {
	out := map[string]string{
		KeySessionID: string(m.SessionID),
	}
	if m.FileName != "" {
		out[KeyFileName] = m.FileName
	}
	if len(m.HeaderPath) > 0 {
		out[KeyHeaderPath] = strings.Join(m.HeaderPath, HeaderPathSeparator)
	}
	if m.Page > 0 {
		out[KeyPage] = strconv.Itoa(m.Page)
	}
	if m.UploadID != "" {
		out[KeyUploadID] = m.UploadID
	}
	return out
}

// Matches reports whether every key/value in filter equals the flattened
// metadata value. A nil or empty filter matches everything.
func (m Metadata) Matches(filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	flat := m.Flatten()
	for k, v := range filter {
		if flat[k] != v {
			return false
		}
	}
	return true
}

// Chunk is a bounded span of source text with its provenance.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}
