package ddp

import (
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ClientAuth attaches a bearer jwt to the websocket upgrade request.
// The jwt is not verified here. Verification is the server's job.
type ClientAuth struct {
	BearerJwt string
}

type BearerClaims struct {
	Subject   string
	ExpiresAt time.Time
}

func ParseBearerJwtUnverified(jwt string) (*BearerClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, "Invalid bearer jwt.")
	}

	claims := &BearerClaims{}
	if subject, err := token.Claims.GetSubject(); err == nil {
		claims.Subject = subject
	}
	if expiresAt, err := token.Claims.GetExpirationTime(); err == nil && expiresAt != nil {
		claims.ExpiresAt = expiresAt.Time
	}
	return claims, nil
}

// Header returns the upgrade request headers for this auth.
// An expired jwt is rejected before dialing.
func (self *ClientAuth) Header(now time.Time) (http.Header, *BearerClaims, error) {
	header := http.Header{}
	if self == nil || self.BearerJwt == "" {
		return header, nil, nil
	}
	claims, err := ParseBearerJwtUnverified(self.BearerJwt)
	if err != nil {
		return nil, nil, err
	}
	if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
		return nil, claims, errors.Errorf("Bearer jwt expired at %s.", claims.ExpiresAt.Format(time.RFC3339))
	}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", self.BearerJwt))
	return header, claims, nil
}
