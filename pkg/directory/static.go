package directory

import (
	"context"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/model"
)

// Static is an in-memory directory for development and tests. When no users
// are seeded, every id resolves to an active user.
type Static struct {
	issuer *auth.Issuer
	users  map[string]model.User
}

func NewStatic(issuer *auth.Issuer, users ...model.User) *Static {
	s := &Static{issuer: issuer}
	if len(users) > 0 {
		s.users = make(map[string]model.User, len(users))
		for _, u := range users {
			s.users[u.ID] = u
		}
	}
	return s
}

func (s *Static) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	if s.users == nil {
		return &model.User{ID: id, DisplayName: id, IsActive: true}, nil
	}
	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (s *Static) VerifyCredential(ctx context.Context, token string) (string, error) {
	claims, err := s.issuer.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
