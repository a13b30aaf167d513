// Package service contains the email lifecycle manager and token issuance.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/mailkeeper/internal/authz"
	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// EmailService defines the capability-gated operations over an account's emails.
type EmailService interface {
	// List returns a page of the account's emails annotated with the primary flag.
	List(ctx context.Context, actor, accountID uuid.UUID, pq model.PageQuery) (model.Page[model.EmailView], error)
	// Get returns one email of the account.
	Get(ctx context.Context, actor, accountID, emailID uuid.UUID) (*model.Email, error)
	// ResendVerification asks the dispatcher to send another verification mail.
	ResendVerification(ctx context.Context, actor, accountID, emailID uuid.UUID) error
	// Add registers a new unverified address for the account.
	Add(ctx context.Context, actor, accountID uuid.UUID, address string) (*model.Email, error)
	// Delete removes an email, moving the primary flag when needed.
	Delete(ctx context.Context, actor, accountID, emailID uuid.UUID) error
}

// Authorizer answers capability questions. *authz.Oracle implements it.
type Authorizer interface {
	Can(ctx context.Context, actorID uuid.UUID, scope authz.Scope, rt authz.ResourceType, resourceID uuid.UUID) (bool, error)
}

// EventEmitter accepts events without blocking the caller.
type EventEmitter interface {
	Emit(ctx context.Context, ev model.Event)
}

// Dispatcher sends verification mails.
type Dispatcher interface {
	Resend(ctx context.Context, email model.Email) error
}

// ErrInvariant is returned when stored state already violates the account invariants.
var ErrInvariant = errors.New("account invariant violated")

type EmailServiceImpl struct {
	store      repository.EmailStore
	authz      Authorizer
	events     EventEmitter
	dispatcher Dispatcher
	log        *zap.Logger
}

var _ EmailService = (*EmailServiceImpl)(nil)

// NewEmailService constructs EmailService. A nil logger is replaced with zap.NewNop.
func NewEmailService(store repository.EmailStore, az Authorizer, events EventEmitter, dispatcher Dispatcher, log *zap.Logger) *EmailServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailServiceImpl{store: store, authz: az, events: events, dispatcher: dispatcher, log: log}
}

// gate performs the single oracle check of an operation.
func (s *EmailServiceImpl) gate(ctx context.Context, actor, accountID uuid.UUID, scope authz.Scope) error {
	if actor == uuid.Nil || accountID == uuid.Nil {
		return fmt.Errorf("%w: empty actor/account id", errs.ErrInvalidArgument)
	}
	ok, err := s.authz.Can(ctx, actor, scope, authz.ResourceUser, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrForbidden
	}
	return nil
}

// owned loads the email and checks it belongs to accountID.
func owned(ctx context.Context, repo repository.EmailRepository, accountID, emailID uuid.UUID) (*model.Email, error) {
	e, err := repo.GetEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if e.UserID != accountID {
		return nil, errs.ErrForbidden
	}
	return e, nil
}

// List paginates the account's emails in creation order.
func (s *EmailServiceImpl) List(ctx context.Context, actor, accountID uuid.UUID, pq model.PageQuery) (model.Page[model.EmailView], error) {
	if err := s.gate(ctx, actor, accountID, authz.ScopeReadEmails); err != nil {
		return model.Page[model.EmailView]{}, err
	}
	page, err := s.store.Paginate(ctx, model.EmailFilter{UserID: accountID}, pq)
	if err != nil {
		return model.Page[model.EmailView]{}, err
	}
	var primary uuid.UUID
	p, err := s.store.GetPrimaryEmail(ctx, accountID)
	switch {
	case err == nil:
		primary = p.ID
	case !errors.Is(err, errs.ErrNotFound):
		return model.Page[model.EmailView]{}, err
	}

	out := model.Page[model.EmailView]{
		Data:    make([]model.EmailView, 0, len(page.Data)),
		HasMore: page.HasMore,
		Next:    page.Next,
	}
	for _, e := range page.Data {
		out.Data = append(out.Data, model.EmailView{Email: e, IsPrimary: primary != uuid.Nil && e.ID == primary})
	}
	return out, nil
}

// Get returns an email of the account.
func (s *EmailServiceImpl) Get(ctx context.Context, actor, accountID, emailID uuid.UUID) (*model.Email, error) {
	if err := s.gate(ctx, actor, accountID, authz.ScopeReadEmails); err != nil {
		return nil, err
	}
	if emailID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty email id", errs.ErrInvalidArgument)
	}
	return owned(ctx, s.store, accountID, emailID)
}

// ResendVerification re-sends the verification mail. Stored state is not touched.
func (s *EmailServiceImpl) ResendVerification(ctx context.Context, actor, accountID, emailID uuid.UUID) error {
	if err := s.gate(ctx, actor, accountID, authz.ScopeResendVerification); err != nil {
		return err
	}
	if emailID == uuid.Nil {
		return fmt.Errorf("%w: empty email id", errs.ErrInvalidArgument)
	}
	e, err := owned(ctx, s.store, accountID, emailID)
	if err != nil {
		return err
	}
	if e.IsVerified {
		return errs.ErrAlreadyVerified
	}
	if err := s.dispatcher.Resend(ctx, *e); err != nil {
		return errs.Transient(err)
	}
	return nil
}

// Add creates an unverified email after a global, case-insensitive uniqueness check.
// The first verification mail is dispatched best-effort after the write commits.
func (s *EmailServiceImpl) Add(ctx context.Context, actor, accountID uuid.UUID, address string) (*model.Email, error) {
	if err := s.gate(ctx, actor, accountID, authz.ScopeCreateEmail); err != nil {
		return nil, err
	}
	address = model.NormalizeAddress(address)
	if !model.ValidAddress(address) {
		return nil, fmt.Errorf("%w: malformed address", errs.ErrInvalidArgument)
	}

	var created *model.Email
	err := s.store.WithinAccount(ctx, accountID, func(tx repository.EmailRepository) error {
		_, err := tx.FindByAddress(ctx, address)
		switch {
		case err == nil:
			return errs.ErrDuplicateEmail
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
		created, err = tx.CreateEmail(ctx, address, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, actor, accountID, model.EventEmailCreated, *created)
	if err := s.dispatcher.Resend(ctx, *created); err != nil {
		s.log.Warn("initial verification dispatch failed",
			zap.String("email_id", created.ID.String()), zap.Error(err))
	}
	return created, nil
}

// Delete removes an email of the account. The sole verified email cannot be
// removed; deleting the primary first moves it to the oldest other verified email.
func (s *EmailServiceImpl) Delete(ctx context.Context, actor, accountID, emailID uuid.UUID) error {
	if err := s.gate(ctx, actor, accountID, authz.ScopeDeleteEmail); err != nil {
		return err
	}
	if emailID == uuid.Nil {
		return fmt.Errorf("%w: empty email id", errs.ErrInvalidArgument)
	}

	var deleted model.Email
	err := s.store.WithinAccount(ctx, accountID, func(tx repository.EmailRepository) error {
		target, err := owned(ctx, tx, accountID, emailID)
		if err != nil {
			return err
		}
		verified, err := tx.GetVerifiedEmails(ctx, accountID)
		if err != nil {
			return err
		}
		if target.IsVerified && len(verified) == 1 && verified[0].ID == target.ID {
			return errs.ErrCannotDeleteLastVerifiedEmail
		}

		primary, err := tx.GetPrimaryEmail(ctx, accountID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			primary = nil
		case err != nil:
			return err
		}
		if primary != nil && primary.ID == target.ID {
			replacement := firstOther(verified, target.ID)
			if replacement == nil && target.IsVerified {
				return fmt.Errorf("%w: verified primary %s has no replacement", ErrInvariant, target.ID)
			}
			// an unverified primary with nothing verified to fall back on is cleared
			if err := tx.UpdateAccountPrimaryEmail(ctx, accountID, replacement); err != nil {
				return err
			}
		}

		if err := tx.DeleteEmail(ctx, target.ID); err != nil {
			return err
		}
		deleted = *target
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvariant) {
			s.log.Error("delete blocked by inconsistent account state",
				zap.String("account_id", accountID.String()), zap.Error(err))
		}
		return err
	}

	s.emit(ctx, actor, accountID, model.EventEmailDeleted, deleted)
	return nil
}

func firstOther(verified []model.Email, exclude uuid.UUID) *uuid.UUID {
	for i := range verified {
		if verified[i].ID != exclude {
			id := verified[i].ID
			return &id
		}
	}
	return nil
}

func (s *EmailServiceImpl) emit(ctx context.Context, actor, accountID uuid.UUID, kind model.EventKind, e model.Email) {
	if s.events == nil {
		return
	}
	payload := map[string]string{"email": e.Address, "email_id": e.ID.String()}
	if m, ok := model.RequestMetaFrom(ctx); ok {
		if m.IP != "" {
			payload["ip"] = m.IP
		}
		if m.UserAgent != "" {
			payload["user_agent"] = m.UserAgent
		}
	}
	s.events.Emit(ctx, model.Event{
		ActorID:   actor,
		AccountID: accountID,
		Kind:      kind,
		Payload:   payload,
	})
}
