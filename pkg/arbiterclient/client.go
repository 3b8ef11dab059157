package arbiterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
	token   string

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Client)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, hc *http.Client, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- Wire format (matches the HTTP API) ----

type acquireReq struct {
	Role string `json:"role"`
}

type grantReq struct {
	Role         string `json:"role"`
	LeaseID      string `json:"lease_id"`
	FencingToken int64  `json:"fencing_token"`
}

type transferReq struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type errResp struct {
	Error            string `json:"error"`
	Reason           string `json:"reason"`
	Volume           string `json:"volume"`
	Holder           string `json:"holder"`
	Transferring     bool   `json:"transferring"`
	CurrentExpiryMS  int64  `json:"current_expiry_ms"`
	RecommendedRetry int64  `json:"recommended_retry_ms"`
}

func (c *Client) volumePath(volume, action string) string {
	p := c.baseURL + "/v1/volumes/" + url.PathEscape(volume)
	if action != "" {
		p += "/" + action
	}
	return p
}

// ---- Low-level operations ----

// AcquireOnce makes one attempt. A retryable refusal (HELD, BUSY_RETRY) comes
// back as the second result; anything else is an error.
func (c *Client) AcquireOnce(ctx context.Context, volume, role string) (Grant, *RejectedError, error) {
	if volume == "" || role == "" {
		return Grant{}, nil, fmt.Errorf("volume and role required")
	}
	var g Grant
	err := c.call(ctx, http.MethodPost, c.volumePath(volume, "acquire"), acquireReq{Role: role}, &g)
	if err != nil {
		var re *RejectedError
		if errors.As(err, &re) && re.Retryable() {
			return Grant{}, re, nil
		}
		return Grant{}, nil, err
	}
	return g, nil, nil
}

func (c *Client) Release(ctx context.Context, g Grant) error {
	if err := validGrant(g); err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, c.volumePath(g.Volume, "release"), grantReq{
		Role:         g.Role,
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	}, nil)
}

// Renew extends the grant's lease. The returned grant carries the new expiry.
func (c *Client) Renew(ctx context.Context, g Grant) (Grant, error) {
	if err := validGrant(g); err != nil {
		return Grant{}, err
	}
	var out Grant
	err := c.call(ctx, http.MethodPost, c.volumePath(g.Volume, "renew"), grantReq{
		Role:         g.Role,
		LeaseID:      g.LeaseID,
		FencingToken: g.FencingToken,
	}, &out)
	return out, err
}

// Transfer hands volume from one role to the other and returns the new
// holder's grant.
func (c *Client) Transfer(ctx context.Context, volume, from, to string) (Grant, error) {
	var out Grant
	err := c.call(ctx, http.MethodPost, c.volumePath(volume, "transfer"), transferReq{From: from, To: to}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, volume string) (Status, error) {
	var out Status
	err := c.call(ctx, http.MethodGet, c.volumePath(volume, ""), nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]Status, error) {
	var out struct {
		Volumes []Status `json:"volumes"`
	}
	err := c.call(ctx, http.MethodGet, c.baseURL+"/v1/volumes", nil, &out)
	return out.Volumes, err
}

// History returns transitions newest first. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, volume string, limit int) ([]Transition, error) {
	p := c.volumePath(volume, "history")
	if limit > 0 {
		p += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	err := c.call(ctx, http.MethodGet, p, nil, &out)
	return out.Transitions, err
}

func validGrant(g Grant) error {
	if g.Volume == "" || g.Role == "" || g.LeaseID == "" || g.FencingToken <= 0 {
		return fmt.Errorf("invalid grant")
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// call sends JSON and decodes a 200 response into resp. Error responses with
// a reason become *RejectedError; others *UnexpectedStatusError.
func (c *Client) call(ctx context.Context, method, target string, reqBody, resp any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return err
	}
	rsp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))

	if rsp.StatusCode == http.StatusOK {
		if resp != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, resp); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, target, err)
			}
		}
		return nil
	}

	var er errResp
	if json.Unmarshal(raw, &er) == nil && er.Reason != "" {
		return &RejectedError{
			Volume:           er.Volume,
			Code:             rsp.StatusCode,
			Reason:           er.Reason,
			Message:          er.Error,
			Holder:           er.Holder,
			Transferring:     er.Transferring,
			RecommendedRetry: er.RecommendedRetry,
			CurrentExpiryMS:  er.CurrentExpiryMS,
		}
	}
	return &UnexpectedStatusError{Method: method, Path: target, Code: rsp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

// ---- Retry wrapper ----

func (c *Client) AcquireWithRetry(ctx context.Context, volume, role string, opt AcquireOptions) (Grant, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac == 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var last *RejectedError

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if last != nil {
				return Grant{}, last
			}
			return Grant{}, context.DeadlineExceeded
		}

		g, rej, err := c.AcquireOnce(ctx, volume, role)
		if err != nil {
			return Grant{}, err
		}
		if rej == nil {
			return g, nil
		}

		last = rej
		// Backoff: honor server recommended retry if present; clamp and add jitter.
		sleep := time.Duration(rej.RecommendedRetry) * time.Millisecond
		if sleep <= 0 {
			sleep = time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = c.jitter(sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Grant{}, ctx.Err()
		case <-timer.C:
		}
	}

	if last != nil {
		return Grant{}, last
	}
	return Grant{}, fmt.Errorf("acquire failed")
}

func (c *Client) jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	c.rngMu.Lock()
	f := c.rng.Float64()
	c.rngMu.Unlock()
	return addJitter(f, d, frac)
}

// addJitter maps f in [0,1) onto [d*(1-frac), d*(1+frac)].
func addJitter(f float64, d time.Duration, frac float64) time.Duration {
	j := (f*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
