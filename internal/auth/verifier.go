// Package auth resolves the user identity of an incoming stream connection
// from a JWT issued by the chat server.
package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoKey        = errors.New("auth: no verification key")
)

// JWKSRefreshInterval is how often Run refetches the JWKS.
const JWKSRefreshInterval = 24 * time.Hour

// User is the identity carried in the token's "user" claim.
type User struct {
	ID       int64  `json:"id"`
	WsID     int64  `json:"ws_id"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
}

type Claims struct {
	jwt.RegisteredClaims
	User User `json:"user"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

type Options struct {
	// PublicKeyPEM is an Ed25519 public key, as used by the chat server.
	PublicKeyPEM []byte
	// JWKSURL points at an RSA JWKS document.
	JWKSURL  string
	Issuer   string
	Audience []string
	Insecure bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Verifier validates chat server tokens.
type Verifier struct {
	edKey    crypto.PublicKey
	jwksURL  string
	issuer   string
	audience []string
	insecure bool
	client   *http.Client
	log      *slog.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{
		jwksURL:  opts.JWKSURL,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		insecure: opts.Insecure,
		client:   opts.HTTPClient,
		log:      opts.Logger,
		keys:     make(map[string]*rsa.PublicKey),
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 10 * time.Second}
	}
	if v.log == nil {
		v.log = discardLogger()
	}

	if len(opts.PublicKeyPEM) > 0 {
		key, err := jwt.ParseEdPublicKeyFromPEM(opts.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse ed25519 public key: %w", err)
		}
		v.edKey = key
	}
	if v.edKey == nil && v.jwksURL == "" && !v.insecure {
		return nil, ErrNoKey
	}
	return v, nil
}

// Refresh fetches the JWKS and replaces the cached RSA keys.
func (v *Verifier) Refresh(ctx context.Context) error {
	if v.jwksURL == "" {
		return nil
	}
	jwksURL := strings.TrimSuffix(v.jwksURL, "/")
	v.log.Info("[AUTH] Fetching JWKS", "url", jwksURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "" && jwk.Kty != "RSA" {
			continue
		}
		key, err := jwkToPublicKey(jwk)
		if err != nil {
			v.log.Warn("[AUTH] Skipping unusable JWK", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.mu.Unlock()

	v.log.Info("[AUTH] JWKS loaded", "keys", len(keys))
	return nil
}

// Run refreshes the JWKS every JWKSRefreshInterval until ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	if v.jwksURL == "" {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(JWKSRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := v.Refresh(ctx); err != nil {
				v.log.Error("[AUTH] Error refreshing JWKS", "error", err)
			}
		}
	}
}

// Verify validates the token and returns its user.
func (v *Verifier) Verify(tokenString string) (User, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return User{}, ErrNoToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"EdDSA", "RS256", "RS384", "RS512"}),
		jwt.WithLeeway(5 * time.Second),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc, parserOpts...)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if len(v.audience) > 0 && !slices.ContainsFunc(claims.Audience, func(a string) bool {
		return slices.Contains(v.audience, a)
	}) {
		return User{}, fmt.Errorf("%w: audience %v not accepted", ErrInvalidToken, claims.Audience)
	}
	if claims.User.ID <= 0 {
		return User{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims.User, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodEd25519:
		if v.edKey == nil {
			return nil, ErrNoKey
		}
		return v.edKey, nil

	case *jwt.SigningMethodRSA:
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return v.publicKey(kid)
	}
	return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
}

func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %s not in JWKS", ErrNoKey, kid)
}

// jwkToPublicKey converts an RSA JWK to a public key.
func jwkToPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
