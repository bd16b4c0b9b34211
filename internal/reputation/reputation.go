// internal/reputation/reputation.go
//
// Cached reputation and roster records with the adaptive refresh policy, and
// the eligibility gate built on top of them.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lendingbot/internal/cache"
	"lendingbot/internal/platform"
)

// ErrUnavailable reports that reputation data could not be fetched when a
// gate decision needed it. The gate fails closed on this condition.
var ErrUnavailable = errors.New("reputation unavailable")

// Record is the cached reputation snapshot for one user. Karma is modeled as
// non-decreasing between checks; that is an assumption about the external
// metric, not a constraint we enforce against it.
type Record struct {
	Username         string    `json:"username"`
	Karma            int       `json:"karma"`
	AccountCreatedAt time.Time `json:"account_created_at"`
	CheckedAt        time.Time `json:"checked_at"`
}

// RosterRecord is the cached moderation roster for one subreddit.
type RosterRecord struct {
	Subreddit          string    `json:"subreddit"`
	ApprovedSubmitters []string  `json:"approved_submitters"`
	Moderators         []string  `json:"moderators"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Contains reports whether username is in the given roster set.
func contains(set []string, username string) bool {
	for _, s := range set {
		if strings.EqualFold(s, username) {
			return true
		}
	}
	return false
}

// Policy holds the thresholds and refresh tuning for the cache and gate.
// It is passed explicitly at construction so tests can vary it per case.
type Policy struct {
	// KarmaMin and AccountAgeMin are the eligibility thresholds.
	KarmaMin      int
	AccountAgeMin time.Duration

	// KarmaGrowthPerDay bounds how fast karma is assumed to grow; together
	// with MinRecheckDays it schedules the next mandatory recheck for a
	// user still below KarmaMin.
	KarmaGrowthPerDay float64
	MinRecheckDays    float64

	// RosterRefresh is the fixed roster refresh interval.
	RosterRefresh time.Duration

	// RecordTTL bounds how long any record may live in the backing store.
	RecordTTL time.Duration
}

// NextRecheck returns when a record with the given cached karma must be
// rechecked. A record already at or above KarmaMin never needs one: karma is
// assumed non-decreasing, so eligibility on that basis is permanent. Below
// the threshold, growth bounded by KarmaGrowthPerDay means the user cannot
// have crossed it sooner than (KarmaMin-K)/growth days after the check.
func (p Policy) NextRecheck(r Record) time.Time {
	if r.Karma >= p.KarmaMin {
		return r.CheckedAt.Add(100 * 365 * 24 * time.Hour)
	}
	days := p.MinRecheckDays
	if p.KarmaGrowthPerDay > 0 {
		if d := float64(p.KarmaMin-r.Karma) / p.KarmaGrowthPerDay; d > days {
			days = d
		}
	}
	return r.CheckedAt.Add(time.Duration(days * 24 * float64(time.Hour)))
}

// Cache maintains reputation and roster records in the shared TTL store,
// refreshing them through the platform API per the adaptive policy.
type Cache struct {
	store  cache.Store
	api    platform.API
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

func NewCache(store cache.Store, api platform.API, policy Policy, logger *slog.Logger) *Cache {
	return &Cache{store: store, api: api, policy: policy, logger: logger, now: time.Now}
}

func userKey(username string) string   { return "reputation/user/" + strings.ToLower(username) }
func rosterKey(subreddit string) string { return "reputation/roster/" + strings.ToLower(subreddit) }

// User returns the reputation record for a user, fetching through the
// platform API when the cache misses or the adaptive policy says the cached
// value is too stale to rely on for a denial.
func (c *Cache) User(ctx context.Context, username string) (Record, error) {
	var rec Record
	raw, err := c.store.Get(ctx, userKey(username))
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
			// A cached record that already satisfies the karma or age
			// threshold is permanently sufficient; age keeps growing on
			// its own and karma is assumed non-decreasing.
			now := c.now()
			if rec.Karma >= c.policy.KarmaMin ||
				now.Sub(rec.AccountCreatedAt) >= c.policy.AccountAgeMin ||
				now.Before(c.policy.NextRecheck(rec)) {
				return rec, nil
			}
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	info, err := c.api.FetchKarma(ctx, username)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec = Record{
		Username:         username,
		Karma:            info.Karma,
		AccountCreatedAt: info.AccountCreatedAt,
		CheckedAt:        c.now(),
	}
	if err := c.put(ctx, userKey(username), rec); err != nil {
		c.logger.Warn("reputation cache write failed", slog.String("user", username), slog.Any("error", err))
	}
	return rec, nil
}

// Roster returns the roster record for a subreddit, refreshing it on the
// fixed interval. Roster membership is not monotonic in either direction,
// so there is no adaptive scheduling here.
func (c *Cache) Roster(ctx context.Context, subreddit string) (RosterRecord, error) {
	var rec RosterRecord
	raw, err := c.store.Get(ctx, rosterKey(subreddit))
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr == nil {
			if c.now().Sub(rec.CheckedAt) < c.policy.RosterRefresh {
				return rec, nil
			}
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		return RosterRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	roster, err := c.api.FetchRoster(ctx, subreddit)
	if err != nil {
		return RosterRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec = RosterRecord{
		Subreddit:          subreddit,
		ApprovedSubmitters: roster.ApprovedSubmitters,
		Moderators:         roster.Moderators,
		CheckedAt:          c.now(),
	}
	if err := c.put(ctx, rosterKey(subreddit), rec); err != nil {
		c.logger.Warn("roster cache write failed", slog.String("subreddit", subreddit), slog.Any("error", err))
	}
	return rec, nil
}

// Flush drops the cached reputation record for a user, forcing the next
// gate decision to refetch. Used when an external moderation event is known
// to have invalidated the cached view.
func (c *Cache) Flush(ctx context.Context, username string) error {
	return c.store.Delete(ctx, userKey(username))
}

func (c *Cache) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.store.SetTTL(ctx, key, string(data), c.policy.RecordTTL)
}

// Gate authorizes command issuers against the cached reputation data.
type Gate struct {
	cache  *Cache
	policy Policy
	now    func() time.Time
}

func NewGate(c *Cache, policy Policy) *Gate {
	return &Gate{cache: c, policy: policy, now: time.Now}
}

// Decision is the gate outcome for one issuer. Denial is a normal outcome,
// not an error.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check decides whether the issuer may invoke a command. Suppression by
// automated moderation denies outright. Otherwise any one of the following
// grants access: karma at or above the threshold, account age at or above
// the threshold, or membership in the subreddit's approved-submitter or
// moderator roster. A reputation fetch failure surfaces ErrUnavailable and
// the gate fails closed.
func (g *Gate) Check(ctx context.Context, issuer, subreddit string, suppressed bool) (Decision, error) {
	if suppressed {
		return Decision{Allowed: false, Reason: "comment removed by moderation"}, nil
	}

	rec, err := g.cache.User(ctx, issuer)
	if err != nil {
		return Decision{}, err
	}
	if rec.Karma >= g.policy.KarmaMin {
		return Decision{Allowed: true, Reason: "karma"}, nil
	}
	if g.now().Sub(rec.AccountCreatedAt) >= g.policy.AccountAgeMin {
		return Decision{Allowed: true, Reason: "account age"}, nil
	}

	// Private messages carry no subreddit, so no roster can grant access.
	if subreddit == "" {
		return Decision{Allowed: false, Reason: "insufficient reputation"}, nil
	}

	roster, err := g.cache.Roster(ctx, subreddit)
	if err != nil {
		return Decision{}, err
	}
	if contains(roster.ApprovedSubmitters, issuer) {
		return Decision{Allowed: true, Reason: "approved submitter"}, nil
	}
	if contains(roster.Moderators, issuer) {
		return Decision{Allowed: true, Reason: "moderator"}, nil
	}
	return Decision{Allowed: false, Reason: "insufficient reputation"}, nil
}
