package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldsync/models"

	firebase "firebase.google.com/go"
	fbauth "firebase.google.com/go/auth"
)

// ErrInvalidIdentity is returned when an identity token cannot be trusted.
var ErrInvalidIdentity = errors.New("invalid identity token")

// IdentityVerifier turns an identity provider token into a user.
type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (models.User, error)
}

// FirebaseVerifier checks Firebase Authentication ID tokens.
type FirebaseVerifier struct {
	client *fbauth.Client
}

// NewFirebaseVerifier creates a verifier backed by app's auth client.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (*FirebaseVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (models.User, error) {
	if idToken == "" {
		return models.User{}, ErrInvalidIdentity
	}
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	user := models.User{UserID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		user.Email = email
	}
	return user, nil
}

// DevVerifier accepts "dev:<user id>[:<email>]" tokens. Used with the
// memory backend only.
type DevVerifier struct{}

func (DevVerifier) Verify(_ context.Context, idToken string) (models.User, error) {
	rest, ok := strings.CutPrefix(idToken, "dev:")
	if !ok {
		return models.User{}, ErrInvalidIdentity
	}
	uid, email, _ := strings.Cut(rest, ":")
	if strings.TrimSpace(uid) == "" {
		return models.User{}, ErrInvalidIdentity
	}
	return models.User{UserID: uid, Email: email}, nil
}
