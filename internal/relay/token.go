package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Channel tokens authorize a websocket connection for exactly one call
// channel and participant. They are minted when the channel is created and
// expire after tokenTTL; they carry no user identity.

const tokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("relay: invalid channel token")

type channelClaims struct {
	Channel     string `json:"channel"`
	Participant string `json:"participant"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies per-channel access tokens.
type TokenIssuer struct {
	secret []byte
	nowFn  func() time.Time
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, nowFn: time.Now}
}

// Mint issues a token granting a participant access to one channel.
func (i *TokenIssuer) Mint(channel, participant string) (string, error) {
	now := i.nowFn()
	claims := channelClaims{
		Channel:     channel,
		Participant: participant,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("relay: sign channel token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns the channel and participant it grants.
func (i *TokenIssuer) Verify(tokenString string) (channel, participant string, err error) {
	claims := &channelClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.nowFn))
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}
	if claims.Channel == "" || claims.Participant == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Channel, claims.Participant, nil
}
