package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

const (
	DefaultTokenKey       = "ACCESS_TOKEN"
	DefaultExpiryKey      = "ACCESS_TOKEN_EXPIRES_ON"
	DefaultTokenTTL       = 45 * time.Minute
	DefaultCommandTimeout = 60 * time.Second
)

// CommandRefresher runs an external command that writes a fresh token into a
// dotenv file, then reads the token back. With no command configured it only
// re-reads the file, for tokens minted out of band.
type CommandRefresher struct {
	Command        []string
	EnvFile        string
	TokenKey       string
	ExpiryKey      string
	DefaultTTL     time.Duration
	CommandTimeout time.Duration

	now func() time.Time
}

func (r *CommandRefresher) Refresh(ctx context.Context) (Credential, error) {
	if len(r.Command) > 0 {
		if err := r.run(ctx); err != nil {
			return Credential{}, err
		}
	}
	return r.Read()
}

func (r *CommandRefresher) run(ctx context.Context) error {
	timeout := r.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Stderr = &stderr

	slog.Info("running token refresh command", "command", r.Command[0])
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("refresh command %s: %w: %s", r.Command[0], err, msg)
		}
		return fmt.Errorf("refresh command %s: %w", r.Command[0], err)
	}
	return nil
}

// Read loads the credential from the env file.
func (r *CommandRefresher) Read() (Credential, error) {
	if r.EnvFile == "" {
		return Credential{}, errors.New("no token env file configured")
	}

	env, err := godotenv.Read(r.EnvFile)
	if err != nil {
		return Credential{}, fmt.Errorf("read token file %s: %w", r.EnvFile, err)
	}

	tokenKey := r.TokenKey
	if tokenKey == "" {
		tokenKey = DefaultTokenKey
	}
	token := strings.TrimSpace(env[tokenKey])
	if token == "" {
		return Credential{}, fmt.Errorf("%s not found in %s", tokenKey, r.EnvFile)
	}

	expiryKey := r.ExpiryKey
	if expiryKey == "" {
		expiryKey = DefaultExpiryKey
	}

	expiresAt, err := r.resolveExpiry(token, env[expiryKey])
	if err != nil {
		return Credential{}, err
	}

	return Credential{Token: token, ExpiresAt: expiresAt}, nil
}

// resolveExpiry prefers an explicit expiry value, then the JWT exp claim, then
// the default TTL.
func (r *CommandRefresher) resolveExpiry(token, explicit string) (time.Time, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}

	if explicit = strings.TrimSpace(explicit); explicit != "" {
		t, err := ParseExpiry(explicit)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	}

	if exp, ok := TokenExpiry(token); ok {
		return exp, nil
	}

	ttl := r.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return now().Add(ttl), nil
}

// ParseExpiry accepts unix seconds or an RFC3339 timestamp.
func ParseExpiry(value string) (time.Time, error) {
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid token expiry %q", value)
	}
	return t, nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The store verifies the token; the claim is only used to schedule refreshes.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// StaticRefresher always returns the same credential.
type StaticRefresher struct {
	Credential Credential
}

func (s StaticRefresher) Refresh(context.Context) (Credential, error) {
	return s.Credential, nil
}
