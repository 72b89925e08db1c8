package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/metrics"
	"github.com/gleaner-io/gleaner/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Comment sort orders accepted by the upstream API. The sort parameter
// is mandatory on every comment request; the unset form is rejected
// upstream.
const (
	SortAsc   = "asc"
	SortDesc  = "desc"
	SortSmart = "smart"
)

// ValidSort reports whether s is one of the accepted sort orders.
func ValidSort(s string) bool {
	return s == SortAsc || s == SortDesc || s == SortSmart
}

const (
	defaultCoolOff = time.Second
	maxCoolOff     = 30 * time.Second
	nameCacheSize  = 4096
)

// Config holds the upstream client configuration.
type Config struct {
	BaseURL          string
	AccessToken      string
	APIVersion       string
	RPS              float64
	Burst            int
	Concurrency      int
	RequestTimeout   time.Duration
	TransientRetries int
	PageSize         int
}

// Client is the rate-limited adapter to the VK API. All workers share
// one client: the token bucket and the in-flight semaphore are global.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	version    string

	limiter  *rate.Limiter
	inflight *semaphore.Weighted

	requestTimeout   time.Duration
	transientRetries int
	pageSize         int

	nameCache *lru.Cache[string, string]
}

// NewClient creates an upstream client from configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPS <= 0 {
		return nil, fmt.Errorf("upstream rps must be positive, got %v", cfg.RPS)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "5.131"
	}

	cache, err := lru.New[string, string](nameCacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient:       &http.Client{},
		nameCache:        cache,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		token:            cfg.AccessToken,
		version:          cfg.APIVersion,
		limiter:          rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		inflight:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		requestTimeout:   cfg.RequestTimeout,
		transientRetries: cfg.TransientRetries,
		pageSize:         cfg.PageSize,
	}, nil
}

// PageSize returns the configured page size.
func (c *Client) PageSize() int { return c.pageSize }

// apiError is the upstream error envelope.
type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

type apiEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

// classify maps an upstream error code onto an engine error kind.
func classify(code int) types.ErrorKind {
	switch code {
	case 6, 9, 29: // too many requests / flood / rate limit
		return types.ErrRateLimited
	case 5, 27, 28: // bad or expired token
		return types.ErrUpstreamAuth
	case 1, 10: // unknown / internal server error
		return types.ErrUpstreamTransient
	default:
		return types.ErrUpstreamPermanent
	}
}

// call performs one upstream method call, honoring the global rate
// bucket and in-flight cap, retrying transient failures with jitter
// and cooling off on rate limits. The context bounds the whole loop.
func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	logger := log.WithComponent("upstream")
	coolOff := defaultCoolOff
	transientLeft := c.transientRetries

	for {
		raw, err := c.doOnce(ctx, method, params)
		if err == nil {
			return raw, nil
		}

		switch types.KindOf(err) {
		case types.ErrRateLimited:
			wait := coolOff
			var appErr *types.Error
			errors.As(err, &appErr)
			if appErr != nil && appErr.RetryAfterSec > 0 {
				wait = time.Duration(appErr.RetryAfterSec) * time.Second
			} else {
				coolOff *= 2
				if coolOff > maxCoolOff {
					coolOff = maxCoolOff
				}
			}
			metrics.UpstreamRateLimitWaits.Inc()
			logger.Debug().
				Str("method", method).Dur("wait", wait).Msg("rate limited, cooling off")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		case types.ErrUpstreamTransient:
			if transientLeft <= 0 {
				return nil, err
			}
			transientLeft--
			jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			if err := sleepCtx(ctx, 250*time.Millisecond+jitter); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// doOnce performs a single HTTP round trip: token, semaphore, request,
// classification. No retries.
func (c *Client) doOnce(ctx context.Context, method string, params url.Values) (raw json.RawMessage, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.UpstreamRequestDuration, method)
		outcome := "ok"
		if err != nil {
			outcome = string(types.KindOf(err))
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(method, outcome).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, wrapCtxErr(err)
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return nil, wrapCtxErr(err)
	}
	defer c.inflight.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("access_token", c.token)
	q.Set("v", c.version)

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, method, q.Encode())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := reqCtx.Err(); ctxErr != nil {
			return nil, wrapCtxErr(ctxErr)
		}
		return nil, types.WrapError(types.ErrUpstreamTransient, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := types.NewError(types.ErrRateLimited, "upstream rate limit")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil {
				e.RetryAfterSec = sec
			}
		}
		return nil, e
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, types.NewError(types.ErrUpstreamAuth, fmt.Sprintf("upstream auth rejected: HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, types.NewError(types.ErrUpstreamTransient, fmt.Sprintf("upstream HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewError(types.ErrUpstreamPermanent, fmt.Sprintf("upstream HTTP %d", resp.StatusCode))
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, types.WrapError(types.ErrUpstreamTransient, "failed to decode response", err)
	}
	if env.Error != nil {
		e := types.NewError(classify(env.Error.Code),
			fmt.Sprintf("upstream error %d: %s", env.Error.Code, env.Error.Message))
		if e.Kind == types.ErrRateLimited {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil {
					e.RetryAfterSec = sec
				}
			}
		}
		return nil, e
	}
	return env.Response, nil
}

func wrapCtxErr(err error) error {
	if err == context.DeadlineExceeded {
		return types.WrapError(types.ErrTimeout, "upstream deadline exceeded", err)
	}
	if err == context.Canceled {
		return types.WrapError(types.ErrCancelled, "upstream call cancelled", err)
	}
	return types.WrapError(types.ErrTimeout, "upstream wait aborted", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return wrapCtxErr(ctx.Err())
	}
}

// ResolvedGroup is one entry of a batch resolution. A failed id keeps
// the synthetic placeholder name alongside the error.
type ResolvedGroup struct {
	VkID string
	Name string
	Err  error
}

// SyntheticName is the placeholder for communities that could not be
// resolved.
func SyntheticName(vkID string) string {
	return "Группа " + vkID
}

type groupItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ResolveGroups resolves community names in one batch call. Ids the
// upstream does not return come back with an error and the synthetic
// name. Only a permanent rejection degrades the batch; auth, transient
// and rate-limit failures abort it so the caller can retry the job
// instead of completing with empty data.
func (c *Client) ResolveGroups(ctx context.Context, vkIDs []string) ([]ResolvedGroup, error) {
	results := make([]ResolvedGroup, 0, len(vkIDs))

	// Serve cached names first; only miss ids go upstream.
	var misses []string
	cached := make(map[string]string)
	for _, id := range vkIDs {
		if name, ok := c.nameCache.Get(id); ok {
			cached[id] = name
		} else {
			misses = append(misses, id)
		}
	}

	resolved := make(map[string]string)
	if len(misses) > 0 {
		params := url.Values{}
		params.Set("group_ids", strings.Join(misses, ","))
		raw, err := c.call(ctx, "groups.getById", params)
		if err != nil {
			if !types.IsKind(err, types.ErrUpstreamPermanent) {
				return nil, err
			}
			// Permanently rejected batch: every miss degrades to the
			// synthetic name.
			for _, id := range vkIDs {
				if name, ok := cached[id]; ok {
					results = append(results, ResolvedGroup{VkID: id, Name: name})
					continue
				}
				results = append(results, ResolvedGroup{VkID: id, Name: SyntheticName(id), Err: err})
			}
			return results, nil
		}

		var items []groupItem
		if err := json.Unmarshal(raw, &items); err != nil {
			// Newer upstream versions wrap the list in {"groups": [...]}.
			var wrapped struct {
				Groups []groupItem `json:"groups"`
			}
			if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
				return nil, types.WrapError(types.ErrUpstreamPermanent, "unexpected groups.getById shape", err)
			}
			items = wrapped.Groups
		}
		for _, it := range items {
			id := strconv.FormatInt(it.ID, 10)
			resolved[id] = it.Name
			c.nameCache.Add(id, it.Name)
		}
	}

	for _, id := range vkIDs {
		if name, ok := cached[id]; ok {
			results = append(results, ResolvedGroup{VkID: id, Name: name})
			continue
		}
		if name, ok := resolved[id]; ok {
			results = append(results, ResolvedGroup{VkID: id, Name: name})
			continue
		}
		results = append(results, ResolvedGroup{
			VkID: id,
			Name: SyntheticName(id),
			Err:  types.NewError(types.ErrUpstreamPermanent, fmt.Sprintf("group not resolvable: %s", id)),
		})
	}
	return results, nil
}
