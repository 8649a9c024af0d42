package fetcher

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBackoff = 30 * time.Second

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RateLimiters maps a host to its limiter. Hosts without an entry get a
	// limiter at DefaultRate.
	RateLimiters map[string]*rate.Limiter
	DefaultRate  rate.Limit
	// Clock drives retry backoff; nil means the real clock.
	Clock clockwork.Clock
}

// HTTPFetcher downloads input tables over HTTP with per-host rate limiting.
// Connection errors, 429 and 5xx responses are retried with jittered
// exponential backoff, honoring Retry-After when the server sends one.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	log    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// DefaultRateLimiters returns limiters for the public hosts that serve SCI
// snapshots, case counts, population estimates and county shapefiles.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"data.humdata.org":          rate.NewLimiter(2, 2),
		"raw.githubusercontent.com": rate.NewLimiter(5, 5),
		"www2.census.gov":           rate.NewLimiter(5, 5),
		"data.nber.org":             rate.NewLimiter(2, 2),
	}
}

// NewHTTPFetcher creates an HTTPFetcher, filling unset options with defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sci-proximity/1.0"
	}
	if opts.DefaultRate <= 0 {
		opts.DefaultRate = 10
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for host, lim := range opts.RateLimiters {
		limiters[host] = lim
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		log:      zap.L().With(zap.String("component", "fetcher.http")),
		limiters: limiters,
	}
}

func (f *HTTPFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.opts.DefaultRate, max(1, int(f.opts.DefaultRate)))
		f.limiters[host] = lim
	}
	return lim
}

// get issues a GET for rawURL and returns the first non-retryable response.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: build request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	lim := f.limiter(req.URL.Host)

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff(attempt-1, lastErr)); err != nil {
				return nil, eris.Wrap(err, "fetcher: retry interrupted")
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			f.log.Warn("request failed", zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}
		_ = resp.Body.Close()
		lastErr = &statusError{code: resp.StatusCode, url: rawURL, retryAfter: retryAfter(resp.Header.Get("Retry-After"))}
		f.log.Warn("retryable status", zap.String("url", rawURL), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
	}
	return nil, eris.Wrapf(lastErr, "fetcher: %s: %d attempts failed", rawURL, f.opts.MaxRetries)
}

type statusError struct {
	code       int
	url        string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return "http " + strconv.Itoa(e.code) + " from " + e.url
}

// retryAfter parses a delay-seconds Retry-After value. HTTP-date values are
// ignored in favor of the computed backoff.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxBackoff)
}

func (f *HTTPFetcher) backoff(attempt int, lastErr error) time.Duration {
	if se, ok := lastErr.(*statusError); ok && se.retryAfter > 0 {
		return se.retryAfter
	}
	d := min(time.Second<<attempt, maxBackoff)
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

func (f *HTTPFetcher) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.opts.Clock.After(d):
		return nil
	}
}

// Download fetches rawURL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile fetches rawURL into path. The body is written to path.part
// and renamed once complete, so an interrupted download never leaves a
// truncated file at path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	start := f.opts.Clock.Now()
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	part := path + ".part"
	file, err := os.Create(part)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return n, eris.Wrapf(err, "fetcher: write %s", path)
	}
	if err := os.Rename(part, path); err != nil {
		return n, eris.Wrap(err, "fetcher: finalize download")
	}

	host := ""
	if u, perr := url.Parse(rawURL); perr == nil {
		host = u.Host
	}
	f.log.Debug("download complete",
		zap.String("host", host),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", f.opts.Clock.Since(start)),
	)
	return n, nil
}
