package attachment

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/careorbit/careorbit/internal/domain/records"
)

// DefaultLinkTTL is the lifetime of a download link when none is configured.
const DefaultLinkTTL = 15 * time.Minute

const linkIssuer = "careorbit-attachments"

// linkClaims carries an attachment ref inside a download token. The owner id
// is the subject. The stored name pins the token to one file.
type linkClaims struct {
	Owner  Owner  `json:"own"`
	Index  int    `json:"idx"`
	Stored string `json:"sn"`
	jwt.RegisteredClaims
}

// LinkSigner issues and verifies short-lived HS256 download tokens.
type LinkSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewLinkSigner(key []byte, ttl time.Duration) (*LinkSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("link signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &LinkSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// Sign returns a token for ref and its expiry. The ref must name the stored
// file.
func (s *LinkSigner) Sign(ref Ref) (string, time.Time, error) {
	if ref.StoredName == "" {
		return "", time.Time{}, errors.New("sign download link: stored name is required")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := linkClaims{
		Owner:  ref.Owner,
		Index:  ref.Index,
		Stored: ref.StoredName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			Subject:   ref.OwnerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download link: %w", err)
	}
	return token, exp, nil
}

// Verify checks the token signature and expiry and returns the ref it names.
// Any failure is reported as access denied.
func (s *LinkSigner) Verify(token string) (Ref, error) {
	claims := &linkClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", records.ErrAccessDenied, err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: bad subject", records.ErrAccessDenied)
	}
	if claims.Stored == "" {
		return Ref{}, fmt.Errorf("%w: token does not name a file", records.ErrAccessDenied)
	}
	return Ref{Owner: claims.Owner, OwnerID: id, Index: claims.Index, StoredName: claims.Stored}, nil
}
