package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

// ErrNoCredential is returned when neither a token file nor a token is configured
var ErrNoCredential = errors.New("no credential configured")

// SessionClaims are the claims livecore reads from the auth layer's access token
type SessionClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// credentialRepo reads the bearer token written by the auth layer.
// The token file is re-read on every call so rotations are picked up.
type credentialRepo struct {
	path   string
	token  string
	parser *jwt.Parser
}

// NewCredentialRepo creates a credential store. path takes precedence over a static token.
func NewCredentialRepo(path, token string) repo.CredentialRepo {
	return &credentialRepo{
		path:   path,
		token:  strings.TrimSpace(token),
		parser: jwt.NewParser(),
	}
}

func (r *credentialRepo) Credential(ctx context.Context) (*domain.Credential, error) {
	token := r.token
	if r.path != "" {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return nil, ErrNoCredential
	}
	return ParseCredential(r.parser, token)
}

// ParseCredential extracts subject and expiry from a bearer token.
// Signatures are not verified; the backend does that on every request.
func ParseCredential(parser *jwt.Parser, token string) (*domain.Credential, error) {
	var claims SessionClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject claim")
	}

	cred := &domain.Credential{Token: token, SubjectID: claims.Subject}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}
