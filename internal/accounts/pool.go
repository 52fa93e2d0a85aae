// Package accounts holds the set of outbound SMTP identities and picks one
// per send. The set is immutable; every mutation builds a new set and swaps
// it in, so a worker never sees a half-updated list.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"MailPacer/internal/models"
)

var (
	ErrNoAccount       = errors.New("accounts: no account available")
	ErrAccountNotFound = errors.New("accounts: account not found")
	ErrAccountExists   = errors.New("accounts: account already exists")
	ErrInvalidAccount  = errors.New("accounts: email and password are required")
)

// Defaults fill in connection settings an account leaves empty.
type Defaults struct {
	Host   string
	Port   int
	Secure bool
}

// Source loads the full account list from outside the process.
type Source interface {
	Load(ctx context.Context) ([]models.Account, error)
}

// Change lists accounts that were removed or whose settings changed in a
// swap. Transports built for them are stale.
type Change struct {
	Removed []string
	Changed []string
}

func (c Change) Empty() bool { return len(c.Removed) == 0 && len(c.Changed) == 0 }

// Stale returns every affected account id.
func (c Change) Stale() []string {
	return append(append([]string(nil), c.Removed...), c.Changed...)
}

type accountSet struct {
	list []models.Account
	byID map[string]int
}

// freeID returns the first user_N, counting from the set size, that no
// account uses yet.
func (s *accountSet) freeID() string {
	for n := len(s.list) + 1; ; n++ {
		id := fmt.Sprintf("user_%d", n)
		if _, ok := s.byID[id]; !ok {
			return id
		}
	}
}

func newSet(list []models.Account) *accountSet {
	s := &accountSet{list: list, byID: make(map[string]int, len(list))}
	for i, a := range list {
		s.byID[a.ID] = i
	}
	return s
}

type Pool struct {
	set atomic.Pointer[accountSet]

	// mu serializes writers; readers only load set.
	mu       sync.Mutex
	onChange []func(Change)

	src      Source
	defaults Defaults
	log      *zap.Logger
	pick     func(n int) int
}

// New returns an empty pool. Call Reload to fill it from src.
func New(src Source, defaults Defaults, log *zap.Logger) *Pool {
	p := &Pool{src: src, defaults: defaults, log: log, pick: rand.IntN}
	p.set.Store(newSet(nil))
	return p
}

// OnChange registers fn to run after every swap that removed or changed
// accounts.
func (p *Pool) OnChange(fn func(Change)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// Select picks an account uniformly at random.
func (p *Pool) Select() (models.Account, error) {
	s := p.set.Load()
	if len(s.list) == 0 {
		return models.Account{}, ErrNoAccount
	}
	return s.list[p.pick(len(s.list))], nil
}

func (p *Pool) Len() int { return len(p.set.Load().list) }

// All returns every account with credentials removed.
func (p *Pool) All() []models.Account {
	s := p.set.Load()
	out := make([]models.Account, len(s.list))
	for i, a := range s.list {
		out[i] = a.Redacted()
	}
	return out
}

func (p *Pool) Get(id string) (models.Account, bool) {
	s := p.set.Load()
	i, ok := s.byID[id]
	if !ok {
		return models.Account{}, false
	}
	return s.list[i], true
}

func (p *Pool) Add(a models.Account) (models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.set.Load()
	if strings.TrimSpace(a.ID) == "" {
		a.ID = cur.freeID()
	}
	a = p.normalize(a, len(cur.list))
	if !valid(a) {
		return models.Account{}, ErrInvalidAccount
	}
	if _, ok := cur.byID[a.ID]; ok {
		return models.Account{}, fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}

	next := append(append([]models.Account(nil), cur.list...), a)
	p.swapLocked(next)
	p.log.Info("smtp account added", zap.String("account_id", a.ID), zap.String("email", a.Address))
	return a, nil
}

// Update replaces the account with the given id. Empty fields in a keep
// their current values.
func (p *Pool) Update(id string, a models.Account) (models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.set.Load()
	i, ok := cur.byID[id]
	if !ok {
		return models.Account{}, ErrAccountNotFound
	}
	merged := merge(cur.list[i], a)
	merged.ID = id

	next := append([]models.Account(nil), cur.list...)
	next[i] = merged
	p.swapLocked(next)
	p.log.Info("smtp account updated", zap.String("account_id", id))
	return merged, nil
}

func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.set.Load()
	i, ok := cur.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	next := make([]models.Account, 0, len(cur.list)-1)
	next = append(next, cur.list[:i]...)
	next = append(next, cur.list[i+1:]...)
	p.swapLocked(next)
	p.log.Info("smtp account removed", zap.String("account_id", id))
	return nil
}

// Reload re-reads the source and replaces the whole set. Invalid entries
// are skipped with a warning. On error the current set is kept.
func (p *Pool) Reload(ctx context.Context) error {
	if p.src == nil {
		return nil
	}
	loaded, err := p.src.Load(ctx)
	if err != nil {
		return fmt.Errorf("accounts: reload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	next := make([]models.Account, 0, len(loaded))
	for i, a := range loaded {
		a = p.normalize(a, i)
		if !valid(a) {
			p.log.Warn("skipping smtp account without email or password", zap.Int("index", i))
			continue
		}
		if seen[a.ID] {
			p.log.Warn("skipping duplicate smtp account id", zap.String("account_id", a.ID))
			continue
		}
		seen[a.ID] = true
		next = append(next, a)
	}

	p.swapLocked(next)
	if len(next) == 0 {
		p.log.Warn("no smtp accounts configured")
	} else {
		p.log.Info("smtp accounts loaded", zap.Int("count", len(next)))
	}
	return nil
}

func (p *Pool) swapLocked(next []models.Account) {
	old := p.set.Swap(newSet(next))
	ch := diff(old, p.set.Load())
	if ch.Empty() {
		return
	}
	for _, fn := range p.onChange {
		fn(ch)
	}
}

func diff(old, next *accountSet) Change {
	var c Change
	for _, a := range old.list {
		i, ok := next.byID[a.ID]
		switch {
		case !ok:
			c.Removed = append(c.Removed, a.ID)
		case next.list[i].Fingerprint() != a.Fingerprint():
			c.Changed = append(c.Changed, a.ID)
		}
	}
	return c
}

// normalize fills defaults the way accounts were always configured: a
// positional id, a display name from the address, and the shared SMTP
// host settings.
func (p *Pool) normalize(a models.Account, index int) models.Account {
	a.Address = strings.TrimSpace(a.Address)
	a.Password = strings.TrimSpace(a.Password)
	if a.ID == "" {
		a.ID = fmt.Sprintf("user_%d", index+1)
	}
	if a.DisplayName == "" {
		if local, _, ok := strings.Cut(a.Address, "@"); ok && local != "" {
			a.DisplayName = local
		} else {
			a.DisplayName = fmt.Sprintf("User %d", index+1)
		}
	}
	if a.Host == "" {
		a.Host = p.defaults.Host
		a.Secure = a.Secure || p.defaults.Secure
	}
	if a.Port == 0 {
		a.Port = p.defaults.Port
	}
	return a
}

func valid(a models.Account) bool {
	return a.Address != "" && a.Password != ""
}

func merge(cur, upd models.Account) models.Account {
	if upd.Address != "" {
		cur.Address = upd.Address
	}
	if upd.Username != "" {
		cur.Username = upd.Username
	}
	if upd.Password != "" {
		cur.Password = upd.Password
	}
	if upd.Host != "" {
		cur.Host = upd.Host
		cur.Secure = upd.Secure
	}
	if upd.Port != 0 {
		cur.Port = upd.Port
	}
	if upd.DisplayName != "" {
		cur.DisplayName = upd.DisplayName
	}
	return cur
}
