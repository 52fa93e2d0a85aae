package api

import (
	"fmt"
	"path/filepath"
	"strings"

	"MailPacer/internal/models"
)

// confineAttachments rewrites file attachment paths to absolute paths under
// root. Without a root, file attachments are refused; inline ones always
// pass.
func confineAttachments(root string, in []models.Attachment) ([]models.Attachment, error) {
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		out[i] = a
		if a.Kind != models.AttachmentFile {
			continue
		}
		if root == "" {
			return nil, fmt.Errorf("attachments[%d]: file attachments are disabled", i)
		}
		p, err := underRoot(root, a.Path)
		if err != nil {
			return nil, fmt.Errorf("attachments[%d]: %w", i, err)
		}
		out[i].Path = p
	}
	return out, nil
}

func underRoot(root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("attachment root unavailable")
	}
	base, err = filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("attachment root unavailable")
	}

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p, err = filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("file %q not found", path)
	}

	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q is outside the attachment directory", path)
	}
	return p, nil
}
