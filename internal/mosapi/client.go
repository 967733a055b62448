package mosapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries        = 3
	defaultRetryBackoff      = 10 * time.Second
	defaultLastPageThreshold = 10
	requestTimeout           = 30 * time.Second
)

// Client talks to the school directory API. All requests are sequential and
// flow through the request cache; the API publishes no rate limit but the
// caller-side pacing assumes one request in flight at a time.
type Client struct {
	baseURL string
	headers map[string]string
	httpc   *http.Client
	cache   *RequestCache
	log     logrus.FieldLogger

	maxRetries        int
	retryBackoff      time.Duration
	lastPageThreshold int

	sleep func(time.Duration)
}

// ClientOptions configures a Client. Zero values fall back to defaults.
type ClientOptions struct {
	BaseURL string
	Headers map[string]string
	Cache   *RequestCache
	Logger  logrus.FieldLogger

	MaxRetries        int
	RetryBackoff      time.Duration
	LastPageThreshold int

	HTTPClient *http.Client

	// Sleep substitutes the pacing/backoff sleeps in tests.
	Sleep func(time.Duration)
}

// NewClient builds a directory API client.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		baseURL:           opts.BaseURL,
		headers:           opts.Headers,
		httpc:             opts.HTTPClient,
		cache:             opts.Cache,
		log:               opts.Logger,
		maxRetries:        opts.MaxRetries,
		retryBackoff:      opts.RetryBackoff,
		lastPageThreshold: opts.LastPageThreshold,
		sleep:             opts.Sleep,
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: requestTimeout}
	}
	if c.cache == nil {
		c.cache = NewRequestCache(0)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = defaultRetryBackoff
	}
	if c.lastPageThreshold <= 0 {
		c.lastPageThreshold = defaultLastPageThreshold
	}
	return c
}

// CacheStats exposes the request cache counters for end-of-run reporting.
func (c *Client) CacheStats() (hits, misses int) {
	return c.cache.Stats()
}

// get performs one GET against the API. Any non-200 status is an error; the
// caller decides whether to retry.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", endpoint, err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.log.WithFields(logrus.Fields{"endpoint": endpoint, "params": params.Encode()}).Debug("API request")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint %s returned status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", endpoint, err)
	}
	return body, nil
}

// getArray fetches an endpoint expected to return a JSON array and splits it
// into raw elements. A non-array payload is an error (and is retried by the
// callers, since the API intermittently returns error objects with 200).
// Only validated array bodies enter the cache, so a bad 200 never shadows
// a retry within the TTL.
func (c *Client) getArray(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	if body := c.cache.Get(endpoint, params); body != nil {
		c.log.WithField("endpoint", endpoint).Debug("cache hit")
		var elems []json.RawMessage
		if err := json.Unmarshal(body, &elems); err != nil {
			return nil, fmt.Errorf("endpoint %s returned non-array payload: %w", endpoint, err)
		}
		return elems, nil
	}

	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, fmt.Errorf("endpoint %s returned non-array payload: %w", endpoint, err)
	}

	c.cache.Set(endpoint, params, body)
	return elems, nil
}

// getArrayWithRetry wraps getArray with bounded linear-backoff retries:
// attempt n waits n × retryBackoff before the next try.
func (c *Client) getArrayWithRetry(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		elems, err := c.getArray(ctx, endpoint, params)
		if err == nil {
			return elems, nil
		}
		lastErr = err
		if attempt < c.maxRetries {
			wait := time.Duration(attempt) * c.retryBackoff
			c.log.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"attempt":  attempt,
				"wait":     wait,
			}).WithError(err).Warn("request failed, retrying")
			c.sleep(wait)
		}
	}
	return nil, fmt.Errorf("endpoint %s failed after %d attempts: %w", endpoint, c.maxRetries, lastErr)
}

// FetchPages walks a paginated endpoint, merging base params with an
// incrementing page counter starting at 1, and hands each page's raw records
// to fn. The walk stops after the first page shorter than the last-page
// threshold. A page that fails after retries aborts the walk with an error;
// pages already delivered stay delivered.
func (c *Client) FetchPages(ctx context.Context, endpoint string, base url.Values, fn func(page int, records []json.RawMessage) error) error {
	for page := 1; ; page++ {
		params := url.Values{}
		for k, vs := range base {
			params[k] = vs
		}
		params.Set("page", strconv.Itoa(page))

		c.log.WithFields(logrus.Fields{"endpoint": endpoint, "page": page}).Info("loading page")

		records, err := c.getArrayWithRetry(ctx, endpoint, params)
		if err != nil {
			return fmt.Errorf("failed to load page %d: %w", page, err)
		}

		c.log.WithFields(logrus.Fields{"page": page, "records": len(records)}).Info("page loaded")

		if err := fn(page, records); err != nil {
			return err
		}

		if len(records) < c.lastPageThreshold {
			c.log.WithField("page", page).Info("last page reached")
			return nil
		}

		c.sleep(time.Second)
	}
}

// StaffPages streams the school's staff profiles page by page.
func (c *Client) StaffPages(ctx context.Context, schoolID int64, fn func(page int, records []json.RawMessage) error) error {
	base := url.Values{}
	base.Set("school_id", strconv.FormatInt(schoolID, 10))
	return c.FetchPages(ctx, "teacher_profiles", base, fn)
}

// ClassUnits fetches the full class list in one request.
func (c *Client) ClassUnits(ctx context.Context) ([]ClassUnitRecord, error) {
	params := url.Values{}
	params.Set("with_home_based", "true")

	elems, err := c.getArrayWithRetry(ctx, "class_units", params)
	if err != nil {
		return nil, err
	}
	return DecodeClassUnits(elems)
}

// ClassStudents fetches all students of one class, parents inlined. The
// endpoint is not paginated per class; one request covers the class.
func (c *Client) ClassStudents(ctx context.Context, classUnitID int64) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("page", "1")
	params.Set("class_unit_ids", strconv.FormatInt(classUnitID, 10))
	params.Set("with_deleted", "false")
	params.Set("with_parents", "true")
	params.Set("with_user_info", "true")

	return c.getArrayWithRetry(ctx, "student_profiles", params)
}
