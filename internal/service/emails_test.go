package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mailkeeper/internal/authz"
	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
	"github.com/and161185/mailkeeper/internal/repository/memory"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.Event
}

var _ EventEmitter = (*fakeEmitter)(nil)

func (f *fakeEmitter) Emit(_ context.Context, ev model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEmitter) all() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event(nil), f.events...)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []uuid.UUID
	err  error
}

var _ Dispatcher = (*fakeDispatcher)(nil)

func (f *fakeDispatcher) Resend(_ context.Context, e model.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, e.ID)
	return nil
}

// countingAuthz wraps an Authorizer and counts calls.
type countingAuthz struct {
	mu    sync.Mutex
	inner Authorizer
	calls int
}

func (c *countingAuthz) Can(ctx context.Context, actor uuid.UUID, scope authz.Scope, rt authz.ResourceType, rid uuid.UUID) (bool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Can(ctx, actor, scope, rt, rid)
}

type denyAll struct{}

func (denyAll) Can(context.Context, uuid.UUID, authz.Scope, authz.ResourceType, uuid.UUID) (bool, error) {
	return false, nil
}

type fixture struct {
	store *memory.Store
	svc   *EmailServiceImpl
	ev    *fakeEmitter
	disp  *fakeDispatcher
	az    *countingAuthz
	owner model.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	st.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	f := &fixture{
		store: st,
		ev:    &fakeEmitter{},
		disp:  &fakeDispatcher{},
		az:    &countingAuthz{inner: authz.NewOracle(st)},
	}
	f.svc = NewEmailService(st, f.az, f.ev, f.disp, zaptest.NewLogger(t))
	f.owner = st.CreateAccount("user")
	return f
}

// verifiedEmail adds an address through the service and marks it verified.
func (f *fixture) verifiedEmail(t *testing.T, address string) model.Email {
	t.Helper()
	e, err := f.svc.Add(context.Background(), f.owner.ID, f.owner.ID, address)
	if err != nil {
		t.Fatalf("add %s: %v", address, err)
	}
	if err := f.store.SetVerified(e.ID, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
	e.IsVerified = true
	return *e
}

func (f *fixture) setPrimary(t *testing.T, id uuid.UUID) {
	t.Helper()
	if err := f.store.UpdateAccountPrimaryEmail(context.Background(), f.owner.ID, &id); err != nil {
		t.Fatalf("set primary: %v", err)
	}
}

func (f *fixture) primary(t *testing.T) *uuid.UUID {
	t.Helper()
	a, err := f.store.Account(f.owner.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return a.PrimaryEmail
}

func TestDelete_LastVerifiedIsBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e := f.verifiedEmail(t, "only@example.com")
	f.setPrimary(t, e.ID)
	// an unverified sibling does not count
	if _, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "pending@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := len(f.ev.all())

	err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e.ID)
	if !errors.Is(err, errs.ErrCannotDeleteLastVerifiedEmail) {
		t.Fatalf("want ErrCannotDeleteLastVerifiedEmail, got %v", err)
	}
	if _, err := f.store.GetEmail(ctx, e.ID); err != nil {
		t.Fatalf("email must survive: %v", err)
	}
	if p := f.primary(t); p == nil || *p != e.ID {
		t.Fatalf("primary changed: %v", p)
	}
	if len(f.ev.all()) != before {
		t.Fatalf("no event expected on blocked delete")
	}
}

func TestDelete_PrimaryReassigned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.verifiedEmail(t, "e1@example.com")
	e2 := f.verifiedEmail(t, "e2@example.com")
	e3 := f.verifiedEmail(t, "e3@example.com")
	f.setPrimary(t, e1.ID)

	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	p := f.primary(t)
	if p == nil || *p != e2.ID {
		t.Fatalf("primary want e2 (oldest other verified), got %v", p)
	}
	got, err := f.store.GetEmail(ctx, *p)
	if err != nil || !got.IsVerified || got.UserID != f.owner.ID {
		t.Fatalf("primary must be an owned verified email: %+v err=%v", got, err)
	}

	page, err := f.svc.List(ctx, f.owner.ID, f.owner.ID, model.PageQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Data) != 2 {
		t.Fatalf("want 2 emails, got %d", len(page.Data))
	}
	for _, v := range page.Data {
		if v.ID == e1.ID {
			t.Fatalf("deleted email still listed")
		}
		if v.IsPrimary != (v.ID == e2.ID) {
			t.Fatalf("isPrimary wrong for %s", v.Address)
		}
	}
	_ = e3

	evs := f.ev.all()
	last := evs[len(evs)-1]
	if last.Kind != model.EventEmailDeleted || last.Payload["email"] != "e1@example.com" {
		t.Fatalf("want EMAIL_DELETED for e1, got %+v", last)
	}
	if last.ActorID != f.owner.ID || last.AccountID != f.owner.ID {
		t.Fatalf("event ids wrong: %+v", last)
	}
}

func TestDelete_NonPrimaryKeepsPrimary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.verifiedEmail(t, "e1@example.com")
	e2 := f.verifiedEmail(t, "e2@example.com")
	f.setPrimary(t, e1.ID)

	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e2.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if p := f.primary(t); p == nil || *p != e1.ID {
		t.Fatalf("primary must stay e1, got %v", p)
	}
}

func TestDelete_UnverifiedPrimaryWithoutVerifiedIsCleared(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "raw@example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	f.setPrimary(t, e.ID)

	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if p := f.primary(t); p != nil {
		t.Fatalf("primary should be cleared, got %v", *p)
	}
}

func TestDelete_SecondDeleteNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedEmail(t, "keep@example.com")
	e := f.verifiedEmail(t, "drop@example.com")

	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e.ID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete want ErrNotFound, got %v", err)
	}
}

func TestDelete_CrossAccountForbidden(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedEmail(t, "a1@example.com")
	mine := f.verifiedEmail(t, "a2@example.com")

	other := f.store.CreateAccount("user")
	// other is the owner of its own account but targets an email of f.owner
	if err := f.svc.Delete(ctx, other.ID, other.ID, mine.ID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if _, err := f.store.GetEmail(ctx, mine.ID); err != nil {
		t.Fatalf("email must survive: %v", err)
	}
	if _, err := f.svc.Get(ctx, other.ID, other.ID, mine.ID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("get want ErrForbidden, got %v", err)
	}
}

func TestDelete_ConcurrentNeverLeavesZeroVerified(t *testing.T) {
	t.Parallel()
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		e1 := f.verifiedEmail(t, "c1@example.com")
		e2 := f.verifiedEmail(t, "c2@example.com")
		f.setPrimary(t, e1.ID)

		var wg sync.WaitGroup
		errsOut := make([]error, 2)
		for i, id := range []uuid.UUID{e1.ID, e2.ID} {
			wg.Add(1)
			go func(i int, id uuid.UUID) {
				defer wg.Done()
				errsOut[i] = f.svc.Delete(ctx, f.owner.ID, f.owner.ID, id)
			}(i, id)
		}
		wg.Wait()

		ok, blocked := 0, 0
		for _, err := range errsOut {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrCannotDeleteLastVerifiedEmail):
				blocked++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || blocked != 1 {
			t.Fatalf("want exactly one success, got ok=%d blocked=%d", ok, blocked)
		}
		verified, _ := f.store.GetVerifiedEmails(ctx, f.owner.ID)
		if len(verified) != 1 {
			t.Fatalf("want 1 verified left, got %d", len(verified))
		}
		if p := f.primary(t); p == nil || *p != verified[0].ID {
			t.Fatalf("primary must reference the survivor, got %v", p)
		}
	}
}

func TestAdd_DuplicateCaseInsensitive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "Bob@Example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if e.Address != "bob@example.com" || e.IsVerified || e.UserID != f.owner.ID {
		t.Fatalf("unexpected email: %+v", e)
	}
	if _, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "BOB@example.COM"); !errors.Is(err, errs.ErrDuplicateEmail) {
		t.Fatalf("want ErrDuplicateEmail, got %v", err)
	}
	other := f.store.CreateAccount("user")
	if _, err := f.svc.Add(ctx, other.ID, other.ID, " bob@example.com "); !errors.Is(err, errs.ErrDuplicateEmail) {
		t.Fatalf("cross-account duplicate want ErrDuplicateEmail, got %v", err)
	}

	page, _ := f.store.Paginate(ctx, model.EmailFilter{UserID: f.owner.ID}, model.PageQuery{})
	if len(page.Data) != 1 {
		t.Fatalf("want exactly one record, got %d", len(page.Data))
	}
	evs := f.ev.all()
	if len(evs) != 1 || evs[0].Kind != model.EventEmailCreated || evs[0].Payload["email"] != "bob@example.com" {
		t.Fatalf("want one EMAIL_CREATED, got %+v", evs)
	}
	if len(f.disp.sent) != 1 || f.disp.sent[0] != e.ID {
		t.Fatalf("initial verification mail not dispatched: %v", f.disp.sent)
	}
}

func TestAdd_ConcurrentSameAddress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	other := f.store.CreateAccount("user")

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc := f.owner.ID
			if i%2 == 1 {
				acc = other.ID
			}
			_, results[i] = f.svc.Add(ctx, acc, acc, "race@example.com")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, errs.ErrDuplicateEmail) {
			t.Fatalf("unexpected: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly one winner, got %d", wins)
	}
}

func TestAdd_InvalidAddress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, addr := range []string{"", "nope", "A <a@example.com>"} {
		if _, err := f.svc.Add(context.Background(), f.owner.ID, f.owner.ID, addr); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("%q: want ErrInvalidArgument, got %v", addr, err)
		}
	}
}

func TestAdd_DispatchFailureIsNotReturned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.disp.err = errors.New("mail down")
	if _, err := f.svc.Add(context.Background(), f.owner.ID, f.owner.ID, "x@example.com"); err != nil {
		t.Fatalf("add must succeed despite dispatch failure: %v", err)
	}
}

func TestForbidden_NoMutationNoEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.verifiedEmail(t, "f1@example.com")
	e2 := f.verifiedEmail(t, "f2@example.com")
	f.setPrimary(t, e1.ID)
	eventsBefore := len(f.ev.all())
	sentBefore := len(f.disp.sent)

	stranger := f.store.CreateAccount("user")
	checks := map[string]func() error{
		"list": func() error {
			_, err := f.svc.List(ctx, stranger.ID, f.owner.ID, model.PageQuery{})
			return err
		},
		"get": func() error {
			_, err := f.svc.Get(ctx, stranger.ID, f.owner.ID, e1.ID)
			return err
		},
		"resend": func() error { return f.svc.ResendVerification(ctx, stranger.ID, f.owner.ID, e2.ID) },
		"add": func() error {
			_, err := f.svc.Add(ctx, stranger.ID, f.owner.ID, "new@example.com")
			return err
		},
		"delete": func() error { return f.svc.Delete(ctx, stranger.ID, f.owner.ID, e2.ID) },
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, errs.ErrForbidden) {
			t.Fatalf("%s: want ErrForbidden, got %v", name, err)
		}
	}

	page, _ := f.store.Paginate(ctx, model.EmailFilter{UserID: f.owner.ID}, model.PageQuery{})
	if len(page.Data) != 2 {
		t.Fatalf("store mutated: %d emails", len(page.Data))
	}
	if _, err := f.store.FindByAddress(ctx, "new@example.com"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("forbidden add created a record")
	}
	if len(f.ev.all()) != eventsBefore || len(f.disp.sent) != sentBefore {
		t.Fatalf("forbidden calls produced side effects")
	}
}

func TestForbidden_DenyAllNeverTouchesStore(t *testing.T) {
	t.Parallel()
	st := &panicStore{}
	svc := NewEmailService(st, denyAll{}, &fakeEmitter{}, &fakeDispatcher{}, nil)
	ctx := context.Background()
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	if _, err := svc.List(ctx, a, b, model.PageQuery{}); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("list: %v", err)
	}
	if _, err := svc.Add(ctx, a, b, "x@example.com"); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Delete(ctx, a, b, a); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("delete: %v", err)
	}
}

func TestOracleCalledOncePerOperation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.verifiedEmail(t, "o1@example.com")
	f.verifiedEmail(t, "o2@example.com")
	f.setPrimary(t, e1.ID)

	ops := []func(){
		func() { _, _ = f.svc.List(ctx, f.owner.ID, f.owner.ID, model.PageQuery{}) },
		func() { _, _ = f.svc.Get(ctx, f.owner.ID, f.owner.ID, e1.ID) },
		func() { _ = f.svc.ResendVerification(ctx, f.owner.ID, f.owner.ID, e1.ID) },
		func() { _, _ = f.svc.Add(ctx, f.owner.ID, f.owner.ID, "o3@example.com") },
		func() { _ = f.svc.Delete(ctx, f.owner.ID, f.owner.ID, e1.ID) },
	}
	for i, op := range ops {
		f.az.mu.Lock()
		f.az.calls = 0
		f.az.mu.Unlock()
		op()
		if f.az.calls != 1 {
			t.Fatalf("op %d: oracle calls want 1, got %d", i, f.az.calls)
		}
	}
}

func TestResendVerification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	e, _ := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "r@example.com")
	f.disp.sent = nil

	for i := 0; i < 2; i++ {
		if err := f.svc.ResendVerification(ctx, f.owner.ID, f.owner.ID, e.ID); err != nil {
			t.Fatalf("resend %d: %v", i, err)
		}
	}
	if len(f.disp.sent) != 2 {
		t.Fatalf("want 2 dispatches, got %d", len(f.disp.sent))
	}
	got, _ := f.store.GetEmail(ctx, e.ID)
	if got.IsVerified || got.Address != e.Address {
		t.Fatalf("resend mutated stored state: %+v", got)
	}

	if err := f.svc.ResendVerification(ctx, f.owner.ID, f.owner.ID, uuid.Must(uuid.NewV4())); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing email want ErrNotFound, got %v", err)
	}

	_ = f.store.SetVerified(e.ID, true)
	if err := f.svc.ResendVerification(ctx, f.owner.ID, f.owner.ID, e.ID); !errors.Is(err, errs.ErrAlreadyVerified) {
		t.Fatalf("verified want ErrAlreadyVerified, got %v", err)
	}

	e2, _ := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "r2@example.com")
	f.disp.err = errors.New("smtp down")
	if err := f.svc.ResendVerification(ctx, f.owner.ID, f.owner.ID, e2.ID); !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("dispatcher failure want ErrTransient, got %v", err)
	}
}

func TestSupportRoleReadsButCannotDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.verifiedEmail(t, "s1@example.com")
	e2 := f.verifiedEmail(t, "s2@example.com")
	agent := f.store.CreateAccount("user")
	f.store.Grant(agent.ID, authz.ResourceUser, f.owner.ID, "support")

	if _, err := f.svc.List(ctx, agent.ID, f.owner.ID, model.PageQuery{}); err != nil {
		t.Fatalf("support list: %v", err)
	}
	if err := f.svc.Delete(ctx, agent.ID, f.owner.ID, e2.ID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("support delete want ErrForbidden, got %v", err)
	}

	admin := f.store.CreateAccount("admin")
	if err := f.svc.Delete(ctx, admin.ID, f.owner.ID, e2.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	evs := f.ev.all()
	if last := evs[len(evs)-1]; last.ActorID != admin.ID || last.AccountID != f.owner.ID {
		t.Fatalf("event must carry acting admin: %+v", last)
	}
}

func TestList_PaginatesInCreationOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var want []uuid.UUID
	for _, a := range []string{"p1@x.io", "p2@x.io", "p3@x.io"} {
		e, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, a)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		want = append(want, e.ID)
	}
	first, err := f.svc.List(ctx, f.owner.ID, f.owner.ID, model.PageQuery{Limit: 2})
	if err != nil || len(first.Data) != 2 || !first.HasMore {
		t.Fatalf("first page: %+v err=%v", first, err)
	}
	second, err := f.svc.List(ctx, f.owner.ID, f.owner.ID, model.PageQuery{After: first.Next, Limit: 2})
	if err != nil || len(second.Data) != 1 || second.HasMore {
		t.Fatalf("second page: %+v err=%v", second, err)
	}
	got := []uuid.UUID{first.Data[0].ID, first.Data[1].ID, second.Data[0].ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d", i)
		}
	}
}

func TestList_CursorSurvivesDeletionOfItsRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for _, a := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		e, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, a)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, e.ID)
	}
	first, err := f.svc.List(ctx, f.owner.ID, f.owner.ID, model.PageQuery{Limit: 1})
	if err != nil || !first.HasMore || first.Next.ID != ids[0] {
		t.Fatalf("first page: %+v err=%v", first, err)
	}
	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rest, err := f.svc.List(ctx, f.owner.ID, f.owner.ID, model.PageQuery{After: first.Next, Limit: 10})
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(rest.Data) != 2 || rest.Data[0].ID != ids[1] || rest.Data[1].ID != ids[2] || rest.HasMore {
		t.Fatalf("remaining emails must still be listed: %+v", rest)
	}
}

func TestValidation_EmptyIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.List(ctx, uuid.Nil, f.owner.ID, model.PageQuery{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("nil actor: %v", err)
	}
	if err := f.svc.Delete(ctx, f.owner.ID, f.owner.ID, uuid.Nil); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("nil email: %v", err)
	}
}

func TestOracleFailureIsTransient(t *testing.T) {
	t.Parallel()
	st := &panicStore{}
	az := authz.NewOracle(failingRoles{})
	svc := NewEmailService(st, az, nil, &fakeDispatcher{}, nil)
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	if _, err := svc.List(context.Background(), a, b, model.PageQuery{}); !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("want ErrTransient, got %v", err)
	}
}

type failingRoles struct{}

func (failingRoles) RoleFor(context.Context, uuid.UUID, authz.ResourceType, uuid.UUID) (string, error) {
	return "", errors.New("db down")
}

// panicStore fails the test run if any store method is reached.
type panicStore struct{ repository.EmailRepository }

var _ repository.EmailStore = (*panicStore)(nil)

func (*panicStore) WithinAccount(context.Context, uuid.UUID, func(repository.EmailRepository) error) error {
	panic("store must not be reached")
}

func TestEventCarriesRequestMeta(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := model.WithRequestMeta(context.Background(), model.RequestMeta{IP: "192.0.2.1", UserAgent: "mk/test"})
	if _, err := f.svc.Add(ctx, f.owner.ID, f.owner.ID, "meta@example.com"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ev := f.ev.all()[0]
	if ev.Payload["ip"] != "192.0.2.1" || ev.Payload["user_agent"] != "mk/test" {
		t.Fatalf("request meta missing: %+v", ev.Payload)
	}
}
