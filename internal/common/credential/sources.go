package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mmproc/internal/common/cache"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultTokenLifetime = time.Hour

// OAuth2Config configures the client-credentials grant.
type OAuth2Config struct {
	TokenURL     string   `yaml:"tokenURL"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	Audience     string   `yaml:"audience"`
	Scopes       []string `yaml:"scopes"`
}

// OAuth2Source exchanges client credentials for an access token.
type OAuth2Source struct {
	cfg clientcredentials.Config
}

func NewOAuth2Source(cfg OAuth2Config) (*OAuth2Source, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("token url and client id are required")
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	if cfg.Audience != "" {
		cc.EndpointParams = map[string][]string{"audience": {cfg.Audience}}
	}
	return &OAuth2Source{cfg: cc}, nil
}

func (s *OAuth2Source) Fetch(ctx context.Context) (Token, error) {
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = ExpiryFromJWT(tok.AccessToken, time.Now().Add(defaultTokenLifetime))
	}
	return Token{Value: tok.AccessToken, ExpiresAt: expiresAt}, nil
}

// StoredSource reads a token that another service keeps in the shared cache.
type StoredSource struct {
	cache cache.Cache
	key   string
}

func NewStoredSource(c cache.Cache, key string) *StoredSource {
	return &StoredSource{cache: c, key: key}
}

func (s *StoredSource) Fetch(ctx context.Context) (Token, error) {
	raw, err := s.cache.Get(ctx, s.key)
	if err != nil {
		return Token{}, err
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Token{}, fmt.Errorf("no token stored under %s", s.key)
	}
	return Token{Value: raw, ExpiresAt: ExpiryFromJWT(raw, time.Now().Add(defaultTokenLifetime))}, nil
}

// ExpiryFromJWT reads the exp claim without verifying the signature; the
// token is only forwarded, never trusted locally. Opaque tokens or tokens
// without exp yield fallback.
func ExpiryFromJWT(raw string, fallback time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}

// Config selects the token source. The first configured of OAuth2,
// StoredKey and Static wins.
type Config struct {
	OAuth2       *OAuth2Config `yaml:"oauth2"`
	StoredKey    string        `yaml:"storedKey"`
	Static       string        `yaml:"static"`
	SafetyMargin time.Duration `yaml:"safetyMargin"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
}

// NewCacheFromConfig builds the configured source behind a Cache. c is only
// needed for StoredKey.
func NewCacheFromConfig(cfg Config, c cache.Cache) (*Cache, error) {
	var source Source
	switch {
	case cfg.OAuth2 != nil:
		s, err := NewOAuth2Source(*cfg.OAuth2)
		if err != nil {
			return nil, err
		}
		source = s
	case cfg.StoredKey != "":
		if c == nil {
			return nil, fmt.Errorf("stored credential %s needs a cache", cfg.StoredKey)
		}
		source = NewStoredSource(c, cfg.StoredKey)
	case cfg.Static != "":
		source = StaticSource{Value: cfg.Static}
	default:
		return nil, fmt.Errorf("no credential source configured")
	}
	return NewCache(source, Options{SafetyMargin: cfg.SafetyMargin, FetchTimeout: cfg.FetchTimeout}), nil
}
