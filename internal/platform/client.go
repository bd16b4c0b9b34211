// internal/platform/client.go
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrUnavailable reports a transient failure talking to the platform proxy.
// Callers must treat it as "unknown", never as an implicit allow.
var ErrUnavailable = errors.New("platform api unavailable")

// UserInfo is the reputation data the platform exposes for one user.
type UserInfo struct {
	Karma            int       `json:"karma"`
	AccountCreatedAt time.Time `json:"account_created_at"`
}

// Roster is the moderation roster for one subreddit. Membership moves in
// both directions, so rosters are only ever cached on a fixed interval.
type Roster struct {
	ApprovedSubmitters []string `json:"approved_submitters"`
	Moderators         []string `json:"moderators"`
}

// API is the platform collaborator contract.
type API interface {
	FetchKarma(ctx context.Context, username string) (UserInfo, error)
	FetchRoster(ctx context.Context, subreddit string) (Roster, error)
}

// Client talks to the rate-limiting platform proxy over HTTP. The local
// limiter keeps a burst of cache misses from exhausting the proxy's budget;
// the per-request timeout bounds how long one command can stall on it.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

var _ API = (*Client)(nil)

func (c *Client) FetchKarma(ctx context.Context, username string) (UserInfo, error) {
	var info UserInfo
	err := c.get(ctx, "/users/"+url.PathEscape(username), &info)
	if err != nil {
		return UserInfo{}, err
	}
	return info, nil
}

func (c *Client) FetchRoster(ctx context.Context, subreddit string) (Roster, error) {
	var roster Roster
	err := c.get(ctx, "/subreddits/"+url.PathEscape(subreddit)+"/roster", &roster)
	if err != nil {
		return Roster{}, err
	}
	return roster, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	// Correlates our request with the proxy's own logs.
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
