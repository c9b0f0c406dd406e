// Package auth attaches the configured authentication mode to outbound
// requests. One Credentials value is shared by the snapshot fetch, the push
// subscription and the create call.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Mode selects how outbound requests are authenticated.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeAPIKey Mode = "api-key"
	ModeBearer Mode = "bearer"
	// ModeHS256 signs short-lived bearer tokens locally with a shared secret.
	ModeHS256 Mode = "hs256"
)

// HeaderAPIKey carries the key in api-key mode.
const HeaderAPIKey = "X-Api-Key"

const (
	defaultTokenTTL = time.Hour
	// tokens are re-signed once less than this is left.
	tokenRefreshMargin = time.Minute
)

var errUnsupportedMode = errors.New("unsupported auth mode")

// ParseMode parses a configured mode. An empty value means ModeNone.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNone, nil
	case ModeNone, ModeAPIKey, ModeBearer, ModeHS256:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedMode, s)
	}
}

// Credentials authenticates outbound requests. A nil *Credentials adds nothing.
type Credentials struct {
	Mode    Mode
	APIKey  string
	Token   string
	Secret  []byte
	Subject string
	TTL     time.Duration

	now     func() time.Time
	mu      sync.Mutex
	signed  string
	expires time.Time
}

// Validate reports missing settings for the selected mode.
func (c *Credentials) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Mode {
	case "", ModeNone:
		return nil
	case ModeAPIKey:
		if c.APIKey == "" {
			return errors.New("API_KEY must be set when AUTH_MODE=api-key")
		}
	case ModeBearer:
		if c.Token == "" {
			return errors.New("AUTH_TOKEN must be set when AUTH_MODE=bearer")
		}
	case ModeHS256:
		if len(c.Secret) == 0 {
			return errors.New("AUTH_SHARED_SECRET must be set when AUTH_MODE=hs256")
		}
		if c.Subject == "" {
			return errors.New("AUTH_SUBJECT must be set when AUTH_MODE=hs256")
		}
	default:
		return fmt.Errorf("%w: %q", errUnsupportedMode, c.Mode)
	}
	return nil
}

// Apply sets the authentication header for the configured mode on h.
func (c *Credentials) Apply(h http.Header) error {
	if c == nil {
		return nil
	}
	switch c.Mode {
	case "", ModeNone:
		return nil
	case ModeAPIKey:
		h.Set(HeaderAPIKey, c.APIKey)
	case ModeBearer:
		h.Set("Authorization", "Bearer "+c.Token)
	case ModeHS256:
		token, err := c.bearer()
		if err != nil {
			return err
		}
		h.Set("Authorization", "Bearer "+token)
	default:
		return fmt.Errorf("%w: %q", errUnsupportedMode, c.Mode)
	}
	return nil
}

// Header returns a fresh header carrying the credentials.
func (c *Credentials) Header() (http.Header, error) {
	h := http.Header{}
	if err := c.Apply(h); err != nil {
		return nil, err
	}
	return h, nil
}

func (c *Credentials) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	t := now()
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	// short-lived tokens still get reused for most of their lifetime
	margin := min(tokenRefreshMargin, ttl/4)
	if c.signed != "" && t.Add(margin).Before(c.expires) {
		return c.signed, nil
	}
	expires := t.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.Subject,
		"iat": t.Unix(),
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString(c.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	c.signed = signed
	c.expires = expires
	return signed, nil
}
