package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"okrline/internal/config"
	"okrline/internal/remote"
	"okrline/internal/repo"
)

// DefaultSession is used when no session is named.
const DefaultSession = "default"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ResolveSession picks the session id (override, else default) and makes sure
// its row exists.
func ResolveSession(ctx context.Context, r repo.Repo, override string) (string, error) {
	id := strings.TrimSpace(override)
	if id == "" {
		id = DefaultSession
	}
	if !sessionIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureSessionTx(ctx, nil, id, now); err != nil {
		return "", err
	}
	return id, nil
}

// RemoteClient builds the extraction service client described by cfg.
func RemoteClient(cfg *config.Config) *remote.Client {
	c := remote.New(cfg.Remote.BaseURL, cfg.TimeoutDuration())
	c.Token = cfg.Remote.Token
	c.AppID = cfg.Remote.AppID
	c.UsageKey = cfg.Remote.UsageKey
	if cfg.Remote.RatePerSecond > 0 {
		burst := cfg.Remote.Burst
		if burst <= 0 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(cfg.Remote.RatePerSecond), burst)
	}
	return c
}

// CheckCredentials reports which remote credentials are missing.
func CheckCredentials(cfg *config.Config) error {
	var missing []string
	if cfg.Remote.Token == "" {
		missing = append(missing, "OKRLINE_REMOTE_TOKEN")
	}
	if cfg.Remote.AppID == "" {
		missing = append(missing, "OKRLINE_REMOTE_APP_ID")
	}
	if cfg.Remote.UsageKey == "" {
		missing = append(missing, "OKRLINE_REMOTE_USAGE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("remote credentials missing; set %s", strings.Join(missing, ", "))
	}
	return nil
}
