package search

import (
	"context"
	"fmt"

	"github.com/keygate/keygate/domain"
	"github.com/keygate/keygate/queue"
	"github.com/rs/zerolog/log"
)

// Index is the document store the user handlers write to
type Index interface {
	Upsert(ctx context.Context, docs ...interface{}) error
	Delete(ctx context.Context, id string) error
}

// UserDocument is the indexed form of a user. The password hash is never
// indexed.
type UserDocument struct {
	UserID          string  `json:"user_id"`
	OrganizationID  string  `json:"organization_id"`
	ApplicationID   string  `json:"application_id"`
	Username        string  `json:"username"`
	Email           *string `json:"email"`
	DisplayName     *string `json:"display_name"`
	IsActive        bool    `json:"is_active"`
	IsEmailVerified bool    `json:"is_email_verified"`
	LastLoginAt     *int64  `json:"last_login_at"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// NewUserDocument projects a user onto its index document
func NewUserDocument(u domain.User) UserDocument {
	return UserDocument{
		UserID:          u.UserID.String(),
		OrganizationID:  u.OrganizationID.String(),
		ApplicationID:   u.ApplicationID.String(),
		Username:        u.Username,
		Email:           u.Email,
		DisplayName:     u.DisplayName,
		IsActive:        u.IsActive,
		IsEmailVerified: u.IsEmailVerified,
		LastLoginAt:     u.LastLoginAt,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

// UserHandlers returns the queue handlers for the user topic: create and
// update upsert the document, delete removes it by key
func UserHandlers(index Index) queue.Handlers {
	upsert := func(ctx context.Context, env domain.Envelope) error {
		user, err := env.DecodeUser()
		if err != nil {
			// the payload will not decode on redelivery either
			return queue.Tolerated(err)
		}
		if err := index.Upsert(ctx, NewUserDocument(user)); err != nil {
			return fmt.Errorf("failed to index user %s: %w", user.UserID, err)
		}
		log.Debug().Str("operation", env.Operation).Str("user_id", user.UserID.String()).Msg("Indexed user")
		return nil
	}

	remove := func(ctx context.Context, env domain.Envelope) error {
		if env.Key == nil {
			return queue.Tolerated(fmt.Errorf("delete event without key"))
		}
		id := env.Key.UserID.String()
		if err := index.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to remove user %s: %w", id, err)
		}
		log.Debug().Str("user_id", id).Msg("Removed user from index")
		return nil
	}

	return queue.Handlers{}.
		Register(domain.OpCreate, upsert).
		Register(domain.OpUpdate, upsert).
		Register(domain.OpDelete, remove)
}
