// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attachments stores uploaded files and turns them into prompt
// context for deliberations.
//
// Files are content-addressed: the id is the first 16 hex characters
// of the SHA-256 of the bytes, so re-uploading the same file is a
// no-op. Text, PDF, and Office documents are extracted to plain text;
// images are stored but contribute no prompt text.
package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// File type names stored in attachment metadata.
const (
	TypeText  = "text"
	TypePDF   = "pdf"
	TypeDocx  = "docx"
	TypeXlsx  = "xlsx"
	TypeImage = "image"
)

// Size limits per file type.
const (
	MaxTextSize     = 1 << 20
	MaxPDFSize      = 10 << 20
	MaxDocumentSize = 10 << 20
	MaxImageSize    = 5 << 20
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".json": true, ".csv": true,
	".xml": true, ".html": true, ".py": true, ".js": true, ".ts": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// mimeOverrides covers extensions the stdlib table misses or reports
// with charset parameters that differ across platforms.
var mimeOverrides = map[string]string{
	".md":   "text/markdown",
	".csv":  "text/csv",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".webp": "image/webp",
}

// Ref identifies an uploaded attachment inside a send-message request.
type Ref struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
}

// Meta is the metadata returned by an upload and echoed back in
// attachment references.
type Meta struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	StoredName string `json:"stored_name"`
	FileType   string `json:"file_type"`
	MimeType   string `json:"mime_type"`
	Size       int    `json:"size"`
}

// FileTypeFor classifies a filename by extension. Returns "" for
// unsupported extensions.
func FileTypeFor(filename string) string {
	ext := extOf(filename)
	switch {
	case textExtensions[ext]:
		return TypeText
	case ext == ".pdf":
		return TypePDF
	case ext == ".docx":
		return TypeDocx
	case ext == ".xlsx":
		return TypeXlsx
	case imageExtensions[ext]:
		return TypeImage
	}
	return ""
}

// Validate checks a file for upload. The returned error message is
// user-facing.
func Validate(filename string, content []byte) error {
	fileType := FileTypeFor(filename)
	if fileType == "" {
		return fmt.Errorf("Unsupported file type: %s", extOf(filename))
	}

	size := len(content)
	switch {
	case fileType == TypeText && size > MaxTextSize:
		return fmt.Errorf("Text file too large (max %dKB)", MaxTextSize/1024)
	case fileType == TypePDF && size > MaxPDFSize:
		return fmt.Errorf("PDF too large (max %dMB)", MaxPDFSize/(1024*1024))
	case (fileType == TypeDocx || fileType == TypeXlsx) && size > MaxDocumentSize:
		return fmt.Errorf("Document too large (max %dMB)", MaxDocumentSize/(1024*1024))
	case fileType == TypeImage && size > MaxImageSize:
		return fmt.Errorf("Image too large (max %dMB)", MaxImageSize/(1024*1024))
	}
	return nil
}

// Manager stores attachments under a data directory, optionally scoped
// per user.
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at the given data directory.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// Dir returns the attachments directory for a user. A userID of ""
// addresses the shared default scope.
func (m *Manager) Dir(userID string) string {
	if userID != "" {
		return filepath.Join(m.baseDir, "users", userID, "attachments")
	}
	return filepath.Join(m.baseDir, "attachments")
}

// Save writes an attachment to disk and returns its metadata. Callers
// validate the file first.
func (m *Manager) Save(filename string, content []byte, userID string) (*Meta, error) {
	dir := m.Dir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	sum := sha256.Sum256(content)
	id := hex.EncodeToString(sum[:])[:16]
	storedName := id + extOf(filename)

	if err := os.WriteFile(filepath.Join(dir, storedName), content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	return &Meta{
		ID:         id,
		Filename:   filename,
		StoredName: storedName,
		FileType:   FileTypeFor(filename),
		MimeType:   mimeTypeFor(filename),
		Size:       len(content),
	}, nil
}

// Path resolves an attachment id and extension to its stored file.
// Reports false when no such attachment exists. Ids come from request
// payloads, so anything but the 16 hex characters Save issues is
// rejected before touching the filesystem.
func (m *Manager) Path(id, ext, userID string) (string, bool) {
	if !validID(id) {
		return "", false
	}
	path := filepath.Join(m.Dir(userID), id+ext)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func validID(id string) bool {
	if len(id) != 16 {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func extOf(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

func mimeTypeFor(filename string) string {
	ext := extOf(filename)
	if t, ok := mimeOverrides[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}
