// Package memory provides an in-process implementation of the repository
// interfaces. It backs the server's dev mode and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mailkeeper/internal/authz"
	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// LogRecord is one entry of the in-memory log store.
type LogRecord = model.LogEntry

type grantKey struct {
	actor    uuid.UUID
	rt       authz.ResourceType
	resource uuid.UUID
}

// Store keeps accounts, emails, grants, events and logs in maps guarded by one RWMutex.
// Per-account exclusion for WithinAccount uses a separate semaphore per account.
type Store struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*model.Account
	emails   map[uuid.UUID]model.Email
	lastAt   time.Time // CreatedAt stamps are strictly increasing
	grants   map[grantKey]string
	events   []model.Event
	logs     []LogRecord

	locksMu sync.Mutex
	locks   map[uuid.UUID]chan struct{}

	now func() time.Time
}

var (
	_ repository.EmailStore = (*Store)(nil)
	_ repository.EventSink  = (*Store)(nil)
	_ repository.LogStore   = (*Store)(nil)
	_ repository.LogWriter  = (*Store)(nil)
	_ authz.RoleSource      = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts: map[uuid.UUID]*model.Account{},
		emails:   map[uuid.UUID]model.Email{},
		grants:   map[grantKey]string{},
		locks:    map[uuid.UUID]chan struct{}{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for CreatedAt stamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// --- seeding helpers (the external account/verification subsystems) ---

// CreateAccount registers a new account with the given platform role.
func (s *Store) CreateAccount(role string) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &model.Account{ID: uuid.Must(uuid.NewV4()), Role: role, CreatedAt: s.now()}
	s.accounts[a.ID] = a
	return *a
}

// Account returns a copy of the account.
func (s *Store) Account(id uuid.UUID) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, errs.ErrNotFound
	}
	cp := *a
	if a.PrimaryEmail != nil {
		p := *a.PrimaryEmail
		cp.PrimaryEmail = &p
	}
	return cp, nil
}

// SetVerified flips the verification flag of an email.
func (s *Store) SetVerified(emailID uuid.UUID, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[emailID]
	if !ok {
		return errs.ErrNotFound
	}
	e.IsVerified = verified
	s.emails[emailID] = e
	return nil
}

// Grant records role for actor on a resource.
func (s *Store) Grant(actor uuid.UUID, rt authz.ResourceType, resource uuid.UUID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{actor, rt, resource}] = role
}

// Events returns a copy of the appended events.
func (s *Store) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Event(nil), s.events...)
}

// AddLog appends a log record.
func (s *Store) AddLog(rec LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, rec)
}

// AppendLogs appends a batch of log entries.
func (s *Store) AppendLogs(_ context.Context, entries []model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entries...)
	return nil
}

// Logs returns a copy of the remaining log records.
func (s *Store) Logs() []LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogRecord(nil), s.logs...)
}

// --- authz.RoleSource, EventSink, LogStore ---

// RoleFor returns the explicit grant on the resource, else the actor's platform role.
func (s *Store) RoleFor(_ context.Context, actorID uuid.UUID, rt authz.ResourceType, resourceID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if role, ok := s.grants[grantKey{actorID, rt, resourceID}]; ok {
		return role, nil
	}
	if a, ok := s.accounts[actorID]; ok {
		return a.Role, nil
	}
	return "", nil
}

// Append records an event.
func (s *Store) Append(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Payload = copyPayload(ev.Payload)
	s.events = append(s.events, ev)
	return nil
}

// DeleteLogsBefore drops records dated at or before cutoff.
func (s *Store) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var n int64
	for _, rec := range s.logs {
		if !rec.Date.After(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.logs = kept
	return n, nil
}

func copyPayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// --- per-account exclusion ---

func (s *Store) accountLock(id uuid.UUID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}

// WithinAccount serializes fn with every other WithinAccount call for userID.
// Writes made through the passed repository are undone if fn fails.
func (s *Store) WithinAccount(ctx context.Context, userID uuid.UUID, fn func(repository.EmailRepository) error) error {
	// accounts are never removed, so locks stay bounded by known accounts
	s.mu.RLock()
	_, ok := s.accounts[userID]
	s.mu.RUnlock()
	if !ok {
		return errs.ErrNotFound
	}

	lock := s.accountLock(userID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	tx := &txRepo{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- EmailRepository on the store itself (no undo) ---

// CreateEmail inserts an unverified email.
func (s *Store) CreateEmail(_ context.Context, address string, userID uuid.UUID) (*model.Email, error) {
	return s.createEmail(address, userID, nil)
}

// GetEmail loads an email by ID.
func (s *Store) GetEmail(_ context.Context, id uuid.UUID) (*model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.emails[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &e, nil
}

// GetVerifiedEmails returns the user's verified emails in creation order.
func (s *Store) GetVerifiedEmails(_ context.Context, userID uuid.UUID) ([]model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Email
	for _, e := range s.sortedLocked(userID) {
		if e.IsVerified {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetPrimaryEmail returns the account's primary email.
func (s *Store) GetPrimaryEmail(_ context.Context, userID uuid.UUID) (*model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok || a.PrimaryEmail == nil {
		return nil, errs.ErrNotFound
	}
	e, ok := s.emails[*a.PrimaryEmail]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &e, nil
}

// DeleteEmail removes an email.
func (s *Store) DeleteEmail(_ context.Context, id uuid.UUID) error {
	return s.deleteEmail(id, nil)
}

// UpdateAccountPrimaryEmail sets or clears the account's primary email.
func (s *Store) UpdateAccountPrimaryEmail(_ context.Context, userID uuid.UUID, emailID *uuid.UUID) error {
	return s.setPrimary(userID, emailID, nil)
}

// FindByAddress looks up an email by case-insensitive address.
func (s *Store) FindByAddress(_ context.Context, address string) (*model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.findLocked(address); ok {
		return &e, nil
	}
	return nil, errs.ErrNotFound
}

// Paginate returns a keyset page of the user's emails in creation order.
func (s *Store) Paginate(_ context.Context, filter model.EmailFilter, pq model.PageQuery) (model.Page[model.Email], error) {
	pq = pq.Normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sortedLocked(filter.UserID)
	from := 0
	if !pq.After.IsZero() {
		from = sort.Search(len(all), func(i int) bool { return pq.After.Precedes(all[i]) })
	}
	rest := all[from:]
	page := model.Page[model.Email]{Data: []model.Email{}}
	if len(rest) > pq.Limit {
		page.Data = append(page.Data, rest[:pq.Limit]...)
		page.HasMore = true
		page.Next = model.CursorOf(page.Data[pq.Limit-1])
		return page, nil
	}
	page.Data = append(page.Data, rest...)
	return page, nil
}

// --- internals; undo is nil outside WithinAccount ---

type undoLog []func()

func (s *Store) createEmail(address string, userID uuid.UUID, undo *undoLog) (*model.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[userID]; !ok {
		return nil, errs.ErrNotFound
	}
	address = model.NormalizeAddress(address)
	if _, taken := s.findLocked(address); taken {
		return nil, errs.ErrDuplicateEmail
	}
	at := s.now()
	if !at.After(s.lastAt) {
		at = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = at
	e := model.Email{ID: uuid.Must(uuid.NewV4()), UserID: userID, Address: address, CreatedAt: at}
	s.emails[e.ID] = e
	if undo != nil {
		*undo = append(*undo, func() { delete(s.emails, e.ID) })
	}
	return &e, nil
}

func (s *Store) deleteEmail(id uuid.UUID, undo *undoLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok {
		return errs.ErrNotFound
	}
	delete(s.emails, id)
	// mirror ON DELETE SET NULL
	var cleared *model.Account
	if a, ok := s.accounts[e.UserID]; ok && a.PrimaryEmail != nil && *a.PrimaryEmail == id {
		a.PrimaryEmail = nil
		cleared = a
	}
	if undo != nil {
		*undo = append(*undo, func() {
			s.emails[id] = e
			if cleared != nil {
				p := id
				cleared.PrimaryEmail = &p
			}
		})
	}
	return nil
}

func (s *Store) setPrimary(userID uuid.UUID, emailID *uuid.UUID, undo *undoLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return errs.ErrNotFound
	}
	var next *uuid.UUID
	if emailID != nil {
		if _, ok := s.emails[*emailID]; !ok {
			return errs.ErrNotFound
		}
		p := *emailID
		next = &p
	}
	prev := a.PrimaryEmail
	a.PrimaryEmail = next
	if undo != nil {
		*undo = append(*undo, func() { a.PrimaryEmail = prev })
	}
	return nil
}

func (s *Store) findLocked(address string) (model.Email, bool) {
	address = model.NormalizeAddress(address)
	for _, e := range s.emails {
		if model.NormalizeAddress(e.Address) == address {
			return e, true
		}
	}
	return model.Email{}, false
}

func (s *Store) sortedLocked(userID uuid.UUID) []model.Email {
	var out []model.Email
	for _, e := range s.emails {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareEmails(out[i], out[j]) < 0 })
	return out
}

// txRepo routes writes through the undo log of one WithinAccount call.
type txRepo struct {
	s    *Store
	undo undoLog
}

func (t *txRepo) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *txRepo) CreateEmail(_ context.Context, address string, userID uuid.UUID) (*model.Email, error) {
	return t.s.createEmail(address, userID, &t.undo)
}

func (t *txRepo) GetEmail(ctx context.Context, id uuid.UUID) (*model.Email, error) {
	return t.s.GetEmail(ctx, id)
}

func (t *txRepo) GetVerifiedEmails(ctx context.Context, userID uuid.UUID) ([]model.Email, error) {
	return t.s.GetVerifiedEmails(ctx, userID)
}

func (t *txRepo) GetPrimaryEmail(ctx context.Context, userID uuid.UUID) (*model.Email, error) {
	return t.s.GetPrimaryEmail(ctx, userID)
}

func (t *txRepo) DeleteEmail(_ context.Context, id uuid.UUID) error {
	return t.s.deleteEmail(id, &t.undo)
}

func (t *txRepo) UpdateAccountPrimaryEmail(_ context.Context, userID uuid.UUID, emailID *uuid.UUID) error {
	return t.s.setPrimary(userID, emailID, &t.undo)
}

func (t *txRepo) FindByAddress(ctx context.Context, address string) (*model.Email, error) {
	return t.s.FindByAddress(ctx, address)
}

func (t *txRepo) Paginate(ctx context.Context, filter model.EmailFilter, pq model.PageQuery) (model.Page[model.Email], error) {
	return t.s.Paginate(ctx, filter, pq)
}
