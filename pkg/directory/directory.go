// Package directory is the port to the organization's directory service:
// identity lookup and credential verification. The chat core only ever
// consumes these two calls; personnel CRUD lives elsewhere.
package directory

import (
	"context"
	"errors"

	"github.com/mkhare/orgchat/pkg/model"
)

var ErrUserNotFound = errors.New("directory: user not found")

// Users resolves identities and their activity flag.
type Users interface {
	FindUserByID(ctx context.Context, id string) (*model.User, error)
}

// Verifier checks a presented credential and yields the owning user id.
// Failures are auth.ErrInvalidCredential or auth.ErrExpiredCredential.
type Verifier interface {
	VerifyCredential(ctx context.Context, token string) (userID string, err error)
}

// Service is the full directory surface the core depends on.
type Service interface {
	Users
	Verifier
}
