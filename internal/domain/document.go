package domain

import "time"

// Document summarizes one uploaded file within a session.
type Document struct {
	FileName   string    `json:"fileName"`
	Kind       string    `json:"kind"`
	Chunks     int       `json:"chunks"`
	Bytes      int       `json:"bytes"`
	UploadedAt time.Time `json:"uploadedAt"`
	UploadID   string    `json:"uploadId,omitempty"`
}
