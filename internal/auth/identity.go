package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/christopherjohns/roomcast/internal/user"
)

// ErrAuthenticationFailed is returned when a credential resolves to no identity.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Identity is an authenticated participant.
type Identity struct {
	ID          string
	DisplayName string
}

// Resolver maps a connection credential to an identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// JWTResolver accepts access tokens issued by a TokenManager for users that
// still exist.
type JWTResolver struct {
	tokens *TokenManager
	users  user.Repository
}

// NewJWTResolver creates a resolver backed by tokens and users.
func NewJWTResolver(tokens *TokenManager, users user.Repository) *JWTResolver {
	return &JWTResolver{tokens: tokens, users: users}
}

// Resolve validates the token and looks up its subject.
func (r *JWTResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrAuthenticationFailed
	}
	claims, err := r.tokens.Validate(credential)
	if err != nil {
		return Identity{}, ErrAuthenticationFailed
	}
	u, err := r.users.ByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return Identity{}, ErrAuthenticationFailed
		}
		return Identity{}, err
	}
	return Identity{ID: u.Username, DisplayName: u.Username}, nil
}

// QueryResolver trusts the credential as the user id. It is meant for local
// development only.
type QueryResolver struct{}

// Resolve accepts any non-empty, non-reserved id.
func (QueryResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	id := strings.TrimSpace(credential)
	if id == "" || user.Reserved(id) || len(id) > maxUsernameLength {
		return Identity{}, ErrAuthenticationFailed
	}
	return Identity{ID: id, DisplayName: id}, nil
}
