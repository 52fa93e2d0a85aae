package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type AttachmentKind string

const (
	AttachmentInline AttachmentKind = "inline"
	AttachmentFile   AttachmentKind = "file"
)

// Attachment is either inline bytes or a reference to a file on the
// server. Exactly one of Content or Path is set, matching Kind.
type Attachment struct {
	Kind        AttachmentKind `json:"kind"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type,omitempty"`
	Content     []byte         `json:"content,omitempty"`
	Path        string         `json:"path,omitempty"`
	Size        int64          `json:"size"`
}

// AttachmentMeta is what a delivery record keeps about an attachment.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

func InlineAttachment(filename string, content []byte, contentType string) Attachment {
	return Attachment{
		Kind:        AttachmentInline,
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
		Size:        int64(len(content)),
	}
}

func FileAttachment(path, contentType string) Attachment {
	return Attachment{
		Kind:        AttachmentFile,
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Path:        path,
	}
}

// Resolve validates the attachment and fills in defaults and size.
func (a Attachment) Resolve() (Attachment, error) {
	if a.ContentType == "" {
		a.ContentType = "application/octet-stream"
	}
	switch a.Kind {
	case AttachmentInline:
		if len(a.Content) == 0 {
			return a, errors.New("inline attachment has no content")
		}
		if a.Filename == "" {
			return a, errors.New("inline attachment needs a filename")
		}
		a.Path = ""
		a.Size = int64(len(a.Content))
	case AttachmentFile:
		if a.Path == "" {
			return a, errors.New("file attachment needs a path")
		}
		info, err := os.Stat(a.Path)
		if err != nil {
			return a, fmt.Errorf("attachment %s: %w", a.Path, err)
		}
		if info.IsDir() {
			return a, fmt.Errorf("attachment %s is a directory", a.Path)
		}
		if a.Filename == "" {
			a.Filename = filepath.Base(a.Path)
		}
		a.Content = nil
		a.Size = info.Size()
	default:
		return a, fmt.Errorf("unknown attachment kind %q", a.Kind)
	}
	return a, nil
}

func (a Attachment) Meta() AttachmentMeta {
	return AttachmentMeta{Filename: a.Filename, ContentType: a.ContentType, Size: a.Size}
}
