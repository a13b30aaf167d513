// Package convert maps domain models to the REST wire format and back.
package convert

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/mailkeeper/internal/errs"
	model "github.com/and161185/mailkeeper/internal/model"
)

// EmailDTO is the JSON shape of an email.
type EmailDTO struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	IsVerified bool      `json:"isVerified"`
	IsPrimary  *bool     `json:"isPrimary,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PageDTO is the JSON shape of a list response.
type PageDTO struct {
	Data    []EmailDTO `json:"data"`
	HasMore bool       `json:"hasMore"`
	Next    string     `json:"next,omitempty"` // opaque; pass back as ?start=
}

// AddEmailRequest is the body of an add call.
type AddEmailRequest struct {
	Email string `json:"email"`
}

// ToEmailDTO converts a domain email.
func ToEmailDTO(e model.Email) EmailDTO {
	return EmailDTO{
		ID:         e.ID.String(),
		UserID:     e.UserID.String(),
		Email:      e.Address,
		IsVerified: e.IsVerified,
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

// ToPageDTO converts an annotated page; every element carries isPrimary.
func ToPageDTO(p model.Page[model.EmailView]) PageDTO {
	out := PageDTO{Data: make([]EmailDTO, 0, len(p.Data)), HasMore: p.HasMore}
	for _, v := range p.Data {
		dto := ToEmailDTO(v.Email)
		primary := v.IsPrimary
		dto.IsPrimary = &primary
		out.Data = append(out.Data, dto)
	}
	if p.HasMore && !p.Next.IsZero() {
		out.Next = EncodeCursor(p.Next)
	}
	return out
}

// ParseID parses a path id. Malformed ids are ErrInvalidArgument.
func ParseID(s string) (u.UUID, error) {
	id, err := u.FromString(s)
	if err != nil || id == u.Nil {
		return u.Nil, fmt.Errorf("%w: bad id %q", errs.ErrInvalidArgument, s)
	}
	return id, nil
}

// EncodeCursor renders a page cursor as an opaque URL-safe token.
func EncodeCursor(c model.Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor. Malformed tokens are ErrInvalidArgument.
func DecodeCursor(token string) (model.Cursor, error) {
	bad := fmt.Errorf("%w: bad start cursor %q", errs.ErrInvalidArgument, token)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return model.Cursor{}, bad
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return model.Cursor{}, bad
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return model.Cursor{}, bad
	}
	uid, err := u.FromString(id)
	if err != nil || uid == u.Nil {
		return model.Cursor{}, bad
	}
	return model.Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: uid}, nil
}

// ParsePageQuery reads the start cursor and itemsPerPage query values.
// Empty values take defaults; the limit is clamped by PageQuery.Normalized.
func ParsePageQuery(start, itemsPerPage string) (model.PageQuery, error) {
	var pq model.PageQuery
	if start != "" {
		c, err := DecodeCursor(start)
		if err != nil {
			return model.PageQuery{}, err
		}
		pq.After = c
	}
	if itemsPerPage != "" {
		n, err := strconv.Atoi(itemsPerPage)
		if err != nil || n < 0 {
			return model.PageQuery{}, fmt.Errorf("%w: bad itemsPerPage %q", errs.ErrInvalidArgument, itemsPerPage)
		}
		pq.Limit = n
	}
	return pq.Normalized(), nil
}
