// Package oauth keeps the bot's chat token fresh. A Refresher wakes on a jittered
// interval, reads the stored token, and renews it when expiry falls within a window.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/songid/db"
	"github.com/onnwee/songid/telemetry"
)

// Store reads and writes the token row.
type Store interface {
	LoadToken(ctx context.Context, provider string) (db.Token, bool, error)
	SaveToken(ctx context.Context, provider string, t db.Token) error
}

// RefreshFunc performs the provider refresh grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Token, error)

// Refresher renews one provider's token. OnRefresh receives each new token after
// it has been persisted.
type Refresher struct {
	Store     Store
	Provider  string
	Interval  time.Duration
	Window    time.Duration
	Refresh   RefreshFunc
	OnRefresh func(db.Token)

	now func() time.Time
}

var errNoRefreshToken = errors.New("stored token has no refresh token")

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.now == nil {
		r.now = time.Now
	}
}

// Start launches the refresh loop; it stops when ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) {
	r.defaults()
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(r.Interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// per-iteration jitter of +/-20% of interval
			jitterRange := int64(r.Interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := r.Interval + jitter
			if nextSleep < r.Interval/2 {
				nextSleep = r.Interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			if _, err := r.Check(ctx); err != nil && !errors.Is(err, errNoRefreshToken) {
				telemetry.Report(ctx, "oauth_refresh", err, slog.String("provider", r.Provider))
			}
		}
	}()
}

// Check refreshes the stored token if it is inside the window. It reports whether
// a refresh happened. A missing row is not an error.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	r.defaults()
	cur, ok, err := r.Store.LoadToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if cur.Refresh == "" {
		return false, errNoRefreshToken
	}
	if !cur.Expiry.IsZero() && cur.Expiry.Sub(r.now()) > r.Window {
		return false, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := r.Refresh(ctx2, cur.Refresh)
	cancel()
	if err != nil {
		return false, fmt.Errorf("refresh %s token: %w", r.Provider, err)
	}
	if next.Refresh == "" {
		next.Refresh = cur.Refresh
	}
	if len(next.Scope) == 0 {
		next.Scope = cur.Scope
	}
	if err := r.Store.SaveToken(ctx, r.Provider, next); err != nil {
		return false, fmt.Errorf("persist %s token: %w", r.Provider, err)
	}
	slog.Info("token refreshed", slog.String("component", "oauth_refresh"), slog.String("provider", r.Provider), slog.Time("expires_at", next.Expiry))
	if r.OnRefresh != nil {
		r.OnRefresh(next)
	}
	return true, nil
}
