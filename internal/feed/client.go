// Package feed is the campaign-feed provider adapter: signed-challenge login,
// cookie session upkeep, transparent relogin on 401, and bounded retry.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/internal/retryx"
	logx "github.com/Sidhartha-Perla/InfinityWatch-Instagram-Bot/pkg/logx"
)

// sessionCookiePrefix marks the provider's secure session cookies. Only
// Set-Cookie values carrying it replace the stored session.
const sessionCookiePrefix = "__"

var (
	errUnauthorized = errors.New("feed: unauthorized")
	// ErrLoginFailed means the challenge/sign/submit handshake itself failed.
	ErrLoginFailed = errors.New("feed: login failed")
)

type Campaign struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
	TagUsername string   `json:"tag_username"`
}

type Photo struct {
	ID        string   `json:"id"`
	ImageURL  string   `json:"image_url"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	CreatedAt int64    `json:"created_at"` // unix millis
}

type Config struct {
	BaseURL    string
	PrivateKey string
	RatePerSec int
	RetryMax   int // attempts per logical call, default 5
	Timeout    time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	signer  *Signer
	limiter *rate.Limiter
	log     logx.Logger

	mu     sync.Mutex
	cookie string
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("feed: base url is required")
	}
	signer, err := NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		log:     log,
	}, nil
}

func (c *Client) sessionCookie() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookie
}

// updateSession replaces the stored cookie when the provider hands out a new
// secure session cookie.
func (c *Client) updateSession(resp *http.Response) {
	for _, sc := range resp.Header.Values("Set-Cookie") {
		if !strings.HasPrefix(sc, sessionCookiePrefix) {
			continue
		}
		if i := strings.IndexByte(sc, ';'); i >= 0 {
			sc = sc[:i]
		}
		c.mu.Lock()
		c.cookie = sc
		c.mu.Unlock()
		if !c.log.IsZero() {
			c.log.Debug("feed session cookie updated")
		}
	}
}

// do performs one HTTP round trip carrying the current session cookie.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := c.sessionCookie(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.updateSession(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feed: %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// call wraps do with the bounded retry-and-relogin sequence. A 401 triggers
// a transparent relogin before the next attempt; the whole sequence shares
// one attempt budget.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	return retryx.Run(ctx, retryx.Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxRetries:   c.cfg.RetryMax - 1,
		Jitter:       0.1,
		RetryIf: func(err error) bool {
			return !errors.Is(err, ErrLoginFailed) && ctx.Err() == nil
		},
	}, func() error {
		err := c.do(ctx, method, path, body, out)
		if errors.Is(err, errUnauthorized) {
			if !c.log.IsZero() {
				c.log.Debug("feed call unauthorized; re-running login", logx.String("path", path))
			}
			if lerr := c.Login(ctx); lerr != nil {
				return lerr
			}
		}
		return err
	})
}

// Login runs the two round-trip handshake: fetch the challenge, sign it,
// submit the signature. Login endpoints never trigger relogin themselves.
func (c *Client) Login(ctx context.Context) error {
	addr := c.signer.Address()

	var challenge struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "pre-login", map[string]string{"walletAddress": addr}, &challenge)
	if err != nil {
		return fmt.Errorf("%w: challenge: %v", ErrLoginFailed, err)
	}
	if challenge.Message == "" {
		return fmt.Errorf("%w: empty challenge", ErrLoginFailed)
	}

	sig, err := c.signer.SignMessage(challenge.Message)
	if err != nil {
		return fmt.Errorf("%w: sign: %v", ErrLoginFailed, err)
	}

	err = c.do(ctx, http.MethodPost, "login", map[string]string{
		"walletAddress": addr,
		"signature":     sig,
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: submit: %v", ErrLoginFailed, err)
	}
	if !c.log.IsZero() {
		c.log.Info("feed login succeeded", logx.String("address", addr))
	}
	return nil
}

// Campaigns lists the campaigns this account publishes for.
func (c *Client) Campaigns(ctx context.Context) ([]Campaign, error) {
	var out struct {
		Campaigns []Campaign `json:"campaigns"`
	}
	if err := c.call(ctx, http.MethodGet, "campaigns", nil, &out); err != nil {
		return nil, err
	}
	return out.Campaigns, nil
}

// CampaignPhotos returns one page of photos created after since.
// Pagination stops (caller side) when a page returns fewer than limit items.
func (c *Client) CampaignPhotos(ctx context.Context, campaignID string, since time.Time, skip, limit int) ([]Photo, error) {
	q := url.Values{}
	q.Set("campaignId", campaignID)
	q.Set("from", strconv.FormatInt(since.UnixMilli(), 10))
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Photos []Photo `json:"photos"`
	}
	if err := c.call(ctx, http.MethodGet, "campaign-photos?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Photos, nil
}
