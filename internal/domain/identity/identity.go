// Package identity verifies client bearer tokens against the external
// authority's "who am I" endpoint.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"notify-relay/internal/platform/backend"
	"notify-relay/internal/platform/codec"
	platformerrors "notify-relay/internal/platform/errors"
)

var (
	// ErrNoToken means the client supplied no bearer token at all.
	ErrNoToken = errors.New("token not provided")
	// ErrRejected means the authority refused the token or could not be reached.
	ErrRejected = errors.New("invalid or expired token")
)

// UserIdentity is the authority's description of the connected user. Raw
// keeps the payload exactly as returned so extra fields survive.
type UserIdentity struct {
	ID   int64
	Name string
	Raw  json.RawMessage
}

// MarshalJSON emits the authority payload verbatim.
func (u UserIdentity) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return codec.Marshal(map[string]any{"id": u.ID, "name": u.Name})
	}
	return u.Raw, nil
}

// Verifier turns a bearer token into a UserIdentity.
type Verifier interface {
	Verify(ctx context.Context, token string) (UserIdentity, error)
}

// Options tunes the authority verifier.
type Options struct {
	RejectExpiredJWT bool
	Now              func() time.Time
}

// AuthorityVerifier performs one GET /api/me per call. No retry.
type AuthorityVerifier struct {
	client           *backend.Client
	rejectExpiredJWT bool
	now              func() time.Time
}

// NewVerifier builds a verifier over the shared backend client.
func NewVerifier(client *backend.Client, opts Options) *AuthorityVerifier {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AuthorityVerifier{
		client:           client,
		rejectExpiredJWT: opts.RejectExpiredJWT,
		now:              now,
	}
}

// Verify returns the identity for token, or a KindAuth error wrapping
// ErrNoToken or ErrRejected.
func (v *AuthorityVerifier) Verify(ctx context.Context, token string) (UserIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return UserIdentity{}, platformerrors.Wrap(platformerrors.KindAuth, "identity.verify", "no token", ErrNoToken)
	}

	if v.rejectExpiredJWT && expiredJWT(token, v.now()) {
		return UserIdentity{}, platformerrors.Wrap(platformerrors.KindAuth, "identity.verify", "jwt expired",
			fmt.Errorf("%w: exp claim in the past", ErrRejected))
	}

	body, err := v.client.Get(ctx, backend.PathMe, token)
	if err != nil {
		msg := "authority unreachable"
		if errors.Is(err, backend.ErrUnexpectedStatus) {
			msg = "authority rejected token"
		}
		return UserIdentity{}, &platformerrors.Error{
			Kind:    platformerrors.KindAuth,
			Op:      "identity.verify",
			Message: msg,
			Cause:   fmt.Errorf("%w: %w", ErrRejected, err),
		}
	}

	user, err := parseIdentity(body)
	if err != nil {
		return UserIdentity{}, &platformerrors.Error{
			Kind:    platformerrors.KindAuth,
			Op:      "identity.verify",
			Message: "unusable identity payload",
			Cause:   fmt.Errorf("%w: %w", ErrRejected, err),
		}
	}
	return user, nil
}

// Reason maps a verification error onto the human-readable text returned to
// the rejected client.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoToken):
		return ErrNoToken.Error()
	default:
		return ErrRejected.Error()
	}
}

func parseIdentity(body []byte) (UserIdentity, error) {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(body, &fields); err != nil {
		return UserIdentity{}, fmt.Errorf("decode identity: %w", err)
	}

	rawID, ok := fields["id"]
	if !ok {
		return UserIdentity{}, errors.New("identity has no id")
	}
	id, err := strconv.ParseInt(strings.Trim(string(rawID), `"`), 10, 64)
	if err != nil {
		return UserIdentity{}, fmt.Errorf("identity id %s is not an integer", rawID)
	}

	var name string
	if rawName, ok := fields["name"]; ok {
		_ = codec.Unmarshal(rawName, &name)
	}

	raw := make(json.RawMessage, len(body))
	copy(raw, body)
	return UserIdentity{ID: id, Name: name, Raw: raw}, nil
}

// expiredJWT reports whether token is a JWT carrying an exp claim at or
// before now. Signatures are not checked; the authority remains the judge of
// validity. Opaque tokens always return false.
func expiredJWT(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}
