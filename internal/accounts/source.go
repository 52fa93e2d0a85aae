package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"MailPacer/internal/models"
)

// FileSource reads accounts from a YAML or JSON file. Both a bare list and
// a document with a top-level "accounts" key are accepted.
type FileSource struct {
	Path string
}

type accountsFile struct {
	Accounts []models.Account `yaml:"accounts"`
}

func (s FileSource) Load(_ context.Context) ([]models.Account, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	list, err := parseDocument(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return list, nil
}

// parseDocument decodes with the YAML parser, which also reads JSON.
func parseDocument(b []byte) ([]models.Account, error) {
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		var list []models.Account
		if err := node.Content[0].Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var doc accountsFile
	if err := node.Content[0].Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Accounts, nil
}

// EnvSource parses an SMTP_USERS value: a JSON array whose entries are
// either account objects or "email:password:name" strings. A value that is
// not a JSON array is read as comma-separated "email:password:name" entries.
type EnvSource struct {
	Value string
}

func (s EnvSource) Load(_ context.Context) ([]models.Account, error) {
	return ParseUsers(s.Value)
}

func ParseUsers(raw string) ([]models.Account, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "[") {
		var out []models.Account
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, parseTriple(part))
			}
		}
		return out, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("SMTP_USERS: %w", err)
	}
	out := make([]models.Account, 0, len(entries))
	for i, e := range entries {
		var str string
		if err := json.Unmarshal(e, &str); err == nil {
			out = append(out, parseTriple(str))
			continue
		}
		var a models.Account
		if err := json.Unmarshal(e, &a); err != nil {
			return nil, fmt.Errorf("SMTP_USERS[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseTriple(s string) models.Account {
	parts := strings.SplitN(s, ":", 3)
	var a models.Account
	a.Address = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		a.Password = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		a.DisplayName = strings.TrimSpace(parts[2])
	}
	return a
}

// StaticSource always returns the same list.
type StaticSource []models.Account

func (s StaticSource) Load(_ context.Context) ([]models.Account, error) {
	return append([]models.Account(nil), s...), nil
}
