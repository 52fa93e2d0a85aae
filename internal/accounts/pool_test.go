package accounts_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"MailPacer/internal/accounts"
	"MailPacer/internal/models"
)

var defaults = accounts.Defaults{Host: "smtp.example.com", Port: 587}

func TestSelectEmpty(t *testing.T) {
	p := accounts.New(nil, defaults, zaptest.NewLogger(t))
	if _, err := p.Select(); !errors.Is(err, accounts.ErrNoAccount) {
		t.Fatalf("want ErrNoAccount, got %v", err)
	}
}

func TestSelectUsesEveryAccount(t *testing.T) {
	src := accounts.StaticSource{
		{Address: "a@example.com", Password: "pa"},
		{Address: "b@example.com", Password: "pb"},
	}
	p := accounts.New(src, defaults, zaptest.NewLogger(t))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for range 100 {
		a, err := p.Select()
		if err != nil {
			t.Fatal(err)
		}
		seen[a.ID]++
	}
	if seen["user_1"] == 0 || seen["user_2"] == 0 {
		t.Fatalf("both accounts should be used: %v", seen)
	}
}

func TestReloadAppliesDefaultsAndFilters(t *testing.T) {
	src := accounts.StaticSource{
		{Address: "ada@example.com", Password: "x"},
		{Address: "nopass@example.com"},
		{ID: "custom", Address: "bob@example.com", Password: "y", Host: "mx.other.net", Port: 465, Secure: true, DisplayName: "Bob"},
	}
	p := accounts.New(src, defaults, zaptest.NewLogger(t))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Len() != 2 {
		t.Fatalf("want 2 accounts, got %d", p.Len())
	}

	a, ok := p.Get("user_1")
	if !ok {
		t.Fatal("user_1 missing")
	}
	if a.DisplayName != "ada" || a.Host != "smtp.example.com" || a.Port != 587 {
		t.Fatalf("defaults not applied: %+v", a)
	}
	b, _ := p.Get("custom")
	if b.Host != "mx.other.net" || b.Port != 465 || !b.Secure || b.DisplayName != "Bob" {
		t.Fatalf("explicit settings overwritten: %+v", b)
	}
}

func TestAllIsRedacted(t *testing.T) {
	p := accounts.New(nil, defaults, zaptest.NewLogger(t))
	if _, err := p.Add(models.Account{Address: "a@example.com", Password: "secret"}); err != nil {
		t.Fatal(err)
	}
	for _, a := range p.All() {
		if a.Password != "" {
			t.Fatalf("password leaked: %+v", a)
		}
	}
	if a, _ := p.Get("user_1"); a.Password != "secret" {
		t.Fatal("Get should keep credentials")
	}
}

func TestMutationsNotifyChanges(t *testing.T) {
	p := accounts.New(nil, defaults, zaptest.NewLogger(t))

	var (
		mu      sync.Mutex
		changes []accounts.Change
	)
	p.OnChange(func(c accounts.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if _, err := p.Add(models.Account{ID: "a", Address: "a@example.com", Password: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Add(models.Account{ID: "a", Address: "dup@example.com", Password: "1"}); !errors.Is(err, accounts.ErrAccountExists) {
		t.Fatalf("want ErrAccountExists, got %v", err)
	}
	if _, err := p.Add(models.Account{ID: "bad"}); !errors.Is(err, accounts.ErrInvalidAccount) {
		t.Fatalf("want ErrInvalidAccount, got %v", err)
	}
	if _, err := p.Update("a", models.Account{Password: "2"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove("a"); !errors.Is(err, accounts.ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("want 2 change notifications, got %+v", changes)
	}
	if len(changes[0].Changed) != 1 || changes[0].Changed[0] != "a" {
		t.Fatalf("update should report a change: %+v", changes[0])
	}
	if len(changes[1].Removed) != 1 || changes[1].Removed[0] != "a" {
		t.Fatalf("remove should report a removal: %+v", changes[1])
	}
}

type failingSource struct{}

func (failingSource) Load(context.Context) ([]models.Account, error) {
	return nil, errors.New("disk on fire")
}

func TestReloadErrorKeepsCurrentSet(t *testing.T) {
	p := accounts.New(failingSource{}, defaults, zaptest.NewLogger(t))
	if _, err := p.Add(models.Account{Address: "a@example.com", Password: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if p.Len() != 1 {
		t.Fatal("failed reload must not drop accounts")
	}
}

func TestParseUsers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []models.Account
	}{
		{"empty", "", nil},
		{
			"json strings",
			`["a@example.com:pw:Alice", "b@example.com:pw2"]`,
			[]models.Account{
				{Address: "a@example.com", Password: "pw", DisplayName: "Alice"},
				{Address: "b@example.com", Password: "pw2"},
			},
		},
		{
			"json objects",
			`[{"id":"x","email":"c@example.com","password":"p","host":"h","port":25}]`,
			[]models.Account{{ID: "x", Address: "c@example.com", Password: "p", Host: "h", Port: 25}},
		},
		{
			"comma separated",
			"d@example.com:p:D, e@example.com:q",
			[]models.Account{
				{Address: "d@example.com", Password: "p", DisplayName: "D"},
				{Address: "e@example.com", Password: "q"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := accounts.ParseUsers(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d accounts, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("account %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}

	if _, err := accounts.ParseUsers(`[{"email": 5}]`); err == nil {
		t.Fatal("expected error for malformed object")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestFileSourceFormats(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "accounts.yaml")
	writeFile(t, yamlPath, "accounts:\n  - email: a@example.com\n    password: one\n  - email: b@example.com\n    password: two\n")
	got, err := accounts.FileSource{Path: yamlPath}.Load(context.Background())
	if err != nil || len(got) != 2 || got[1].Address != "b@example.com" {
		t.Fatalf("yaml: %+v %v", got, err)
	}

	jsonPath := filepath.Join(dir, "accounts.json")
	writeFile(t, jsonPath, `[{"email":"c@example.com","password":"three","name":"C"}]`)
	got, err = accounts.FileSource{Path: jsonPath}.Load(context.Background())
	if err != nil || len(got) != 1 || got[0].DisplayName != "C" {
		t.Fatalf("json: %+v %v", got, err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	writeFile(t, path, "- email: a@example.com\n  password: one\n")

	p := accounts.New(accounts.FileSource{Path: path}, defaults, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Watch(ctx, path, 20*time.Millisecond)
	}()

	// The watcher may not be registered yet; keep rewriting until seen.
	deadline := time.Now().Add(5 * time.Second)
	for p.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("reload not observed, have %d accounts", p.Len())
		}
		writeFile(t, path, "- email: a@example.com\n  password: one\n- email: b@example.com\n  password: two\n")
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestAddAfterRemovePicksUnusedID(t *testing.T) {
	src := accounts.StaticSource{
		{Address: "a@example.com", Password: "1"},
		{Address: "b@example.com", Password: "2"},
	}
	p := accounts.New(src, defaults, zaptest.NewLogger(t))
	if err := p.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove("user_1"); err != nil {
		t.Fatal(err)
	}

	added, err := p.Add(models.Account{Address: "c@example.com", Password: "3"})
	if err != nil {
		t.Fatalf("add without id: %v", err)
	}
	if added.ID != "user_3" {
		t.Fatalf("want user_3, got %s", added.ID)
	}
	if p.Len() != 2 {
		t.Fatalf("want 2 accounts, got %d", p.Len())
	}
	if _, ok := p.Get("user_2"); !ok {
		t.Fatal("existing account was replaced")
	}
}
