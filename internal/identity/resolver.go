package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// Outcome classifies a resolution attempt. Retry policy is driven by the
// variant: only Transient outcomes may be retried, and only Transient
// outcomes are excluded from memoization.
type Outcome int

const (
	// Found means both the profile link and the numeric id were extracted.
	Found Outcome = iota
	// NotFound means the service answered authoritatively that no identity
	// exists for this person (or the page carried no id).
	NotFound
	// Transient means the attempt failed in a retryable way (rate limit
	// exhausted, network error) and resolving later might succeed.
	Transient
	// Permanent means resolution cannot succeed for this input.
	Permanent
)

// Result is the outcome of resolving one directory person.
type Result struct {
	Outcome    Outcome
	ExternalID string
	Link       string
}

// Ref names the directory person to resolve. Exactly one field is set:
// StaffID for staff profiles, PersonID for students and parents.
type Ref struct {
	StaffID  int64
	PersonID int64
}

func (r Ref) key() string {
	if r.StaffID != 0 {
		return "staff:" + strconv.FormatInt(r.StaffID, 10)
	}
	return "person:" + strconv.FormatInt(r.PersonID, 10)
}

func (r Ref) query() string {
	if r.StaffID != 0 {
		return "staff_id=" + strconv.FormatInt(r.StaffID, 10)
	}
	return "person_id=" + strconv.FormatInt(r.PersonID, 10)
}

// userIDPattern matches the id embedded in the profile page's bootstrap
// blob, e.g. data:{user:{id:123456,...
var (
	userIDPattern   = regexp.MustCompile(`data:\{user:\{id:(\d+),`)
	scriptIDPattern = regexp.MustCompile(`user:\{id:(\d+),`)
)

const (
	defaultMaxRetries        = 3
	defaultRetryAfterSeconds = 30
	defaultPause             = 2 * time.Second
	defaultBatchPause        = 10 * time.Second
	profilePageUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	lookupTimeout            = 10 * time.Second
)

// Resolver performs the two-stage identity lookup and memoizes results for
// the lifetime of a run. Sequential use only.
type Resolver struct {
	checkURL string
	headers  map[string]string
	httpc    *http.Client
	limiter  *RateLimiter
	log      logrus.FieldLogger

	maxRetries        int
	retryAfterDefault time.Duration
	pause             time.Duration
	batchPause        time.Duration

	memo  map[string]Result
	sleep func(time.Duration)
}

// ResolverOptions configures a Resolver. Zero values fall back to defaults.
type ResolverOptions struct {
	CheckURL string
	Headers  map[string]string
	Limiter  *RateLimiter
	Logger   logrus.FieldLogger

	MaxRetries        int
	RetryAfterDefault time.Duration
	Pause             time.Duration
	BatchPause        time.Duration

	HTTPClient *http.Client
}

// NewResolver builds an identity resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	r := &Resolver{
		checkURL:          opts.CheckURL,
		headers:           opts.Headers,
		httpc:             opts.HTTPClient,
		limiter:           opts.Limiter,
		log:               opts.Logger,
		maxRetries:        opts.MaxRetries,
		retryAfterDefault: opts.RetryAfterDefault,
		pause:             opts.Pause,
		batchPause:        opts.BatchPause,
		memo:              make(map[string]Result),
		sleep:             time.Sleep,
	}
	if r.httpc == nil {
		r.httpc = &http.Client{Timeout: lookupTimeout}
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	if r.limiter == nil {
		r.limiter = NewRateLimiter(defaultLimit, defaultWindow, r.log)
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.retryAfterDefault <= 0 {
		r.retryAfterDefault = defaultRetryAfterSeconds * time.Second
	}
	if r.pause <= 0 {
		r.pause = defaultPause
	}
	if r.batchPause <= 0 {
		r.batchPause = defaultBatchPause
	}
	return r
}

// Resolve looks up the external identity for one person. The memo is checked
// before the rate limiter, so repeated references to the same person never
// spend request budget. Every outcome except Transient is memoized.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) Result {
	if ref.StaffID == 0 && ref.PersonID == 0 {
		return Result{Outcome: Permanent}
	}

	key := ref.key()
	if res, ok := r.memo[key]; ok {
		r.log.WithField("ref", key).Debug("identity cache hit")
		return res
	}

	res := r.resolve(ctx, ref)
	if res.Outcome != Transient {
		r.memo[key] = res
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, ref Ref) Result {
	log := r.log.WithField("ref", ref.key())

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		r.limiter.Admit()

		link, outcome := r.checkLink(ctx, ref, log)
		switch outcome {
		case Transient:
			continue // checkLink already slept on Retry-After
		case NotFound:
			return Result{Outcome: NotFound}
		case Permanent:
			return Result{Outcome: Permanent}
		}

		// Let the partner endpoint breathe before hitting the profile page.
		r.sleep(r.pause)

		id, outcome := r.fetchUserID(ctx, link, log)
		switch outcome {
		case Transient:
			continue
		case Found:
			log.WithField("external_id", id).Debug("resolved external identity")
			return Result{Outcome: Found, ExternalID: id, Link: link}
		case Permanent:
			return Result{Outcome: Permanent, Link: link}
		default:
			// Link is known even when the id cannot be extracted.
			return Result{Outcome: NotFound, Link: link}
		}
	}

	log.Warn("identity resolution exhausted retries")
	return Result{Outcome: Transient}
}

// checkLink performs stage one: ask the partner endpoint whether the person
// has an external account and obtain the profile link.
func (r *Resolver) checkLink(ctx context.Context, ref Ref, log logrus.FieldLogger) (string, Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.checkURL+"?"+ref.query(), nil)
	if err != nil {
		return "", Permanent
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		log.WithError(err).Debug("identity check request failed")
		return "", Transient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		r.waitRetryAfter(resp, log)
		return "", Transient
	case resp.StatusCode != http.StatusOK:
		log.WithField("status", resp.StatusCode).Debug("no external identity")
		return "", NotFound
	}

	var payload struct {
		Link string `json:"max_link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Link == "" {
		return "", NotFound
	}
	return payload.Link, Found
}

// fetchUserID performs stage two: fetch the profile page and extract the
// numeric identity from its bootstrap script.
func (r *Resolver) fetchUserID(ctx context.Context, link string, log logrus.FieldLogger) (string, Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", Permanent
	}
	req.Header.Set("User-Agent", profilePageUserAgent)

	resp, err := r.httpc.Do(req)
	if err != nil {
		log.WithError(err).Debug("profile page request failed")
		return "", Transient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		r.waitRetryAfter(resp, log)
		return "", Transient
	case resp.StatusCode != http.StatusOK:
		log.WithField("status", resp.StatusCode).Debug("profile page unavailable")
		return "", NotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Transient
	}

	if id := extractUserID(string(body)); id != "" {
		return id, Found
	}
	return "", NotFound
}

// extractUserID pulls the numeric identity out of the page. The primary
// pattern covers the common inline bootstrap; when the page is rearranged
// the id still lives in one of the script blocks.
func extractUserID(html string) string {
	if m := userIDPattern.FindStringSubmatch(html); m != nil {
		return m[1]
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	var id string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := scriptIDPattern.FindStringSubmatch(s.Text()); m != nil {
			id = m[1]
			return false
		}
		return true
	})
	return id
}

func (r *Resolver) waitRetryAfter(resp *http.Response, log logrus.FieldLogger) {
	wait := r.retryAfterDefault
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	log.WithField("wait", wait).Warn("identity API rate limited, waiting")
	r.sleep(wait)
}

// ResolveAll resolves a batch of refs, pacing every call and taking a longer
// pause every fifth one. Purely a convenience wrapper around Resolve.
func (r *Resolver) ResolveAll(ctx context.Context, refs []Ref) map[string]Result {
	results := make(map[string]Result, len(refs))
	total := len(refs)

	r.log.WithField("total", total).Info("batch identity resolution started")

	for i, ref := range refs {
		results[ref.key()] = r.Resolve(ctx, ref)

		if (i+1)%10 == 0 {
			r.log.Info(fmt.Sprintf("identity progress: %d/%d (%.1f%%)", i+1, total, float64(i+1)/float64(total)*100))
		}

		if i == total-1 {
			break
		}
		if (i+1)%5 == 0 {
			r.sleep(r.batchPause)
		} else {
			r.sleep(r.pause)
		}
	}

	r.log.Info("batch identity resolution finished")
	return results
}
