package models

import (
	"encoding/base64"
	"fmt"
)

// FilePayload is a file returned by the backend, base64 encoded.
type FilePayload struct {
	Filename string `json:"filename"`
	Filetype string `json:"filetype,omitempty"`
	Content  string `json:"content"`
	Message  string `json:"message,omitempty"`
}

// Caption is the text shown next to the file.
func (f *FilePayload) Caption() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Filename
}

// Decode returns the raw file bytes.
func (f *FilePayload) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.Filename, err)
	}
	return data, nil
}
