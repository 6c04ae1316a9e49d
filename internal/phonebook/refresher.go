package phonebook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sweeney/fritz-mqtt/internal/metrics"
)

// DefaultThrottle is the minimum interval between two network fetches.
const DefaultThrottle = 30 * time.Second

// Fetcher downloads the raw entries of one phonebook.
type Fetcher interface {
	FetchEntries(ctx context.Context, id int) ([]Entry, error)
}

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	PhonebookID int
	Prefixes    []string
	Throttle    time.Duration
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Refresher owns the current Index and replaces it on each successful
// fetch. Readers always see a complete index, old or new.
type Refresher struct {
	fetcher Fetcher
	opts    RefresherOptions
	log     logrus.FieldLogger

	index atomic.Pointer[Index]
	group singleflight.Group

	mu        sync.Mutex
	lastFetch time.Time // last network attempt, successful or not
	lastErr   error     // result of that attempt
}

// NewRefresher creates a Refresher serving an empty index until the first
// successful fetch.
func NewRefresher(f Fetcher, opts RefresherOptions) *Refresher {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Refresher{
		fetcher: f,
		opts:    opts,
		log:     log.WithFields(logrus.Fields{"component": "phonebook", "phonebook_id": opts.PhonebookID}),
	}
	r.index.Store(Build(nil, opts.Prefixes))
	return r
}

// Index returns the current index.
func (r *Refresher) Index() *Index {
	return r.index.Load()
}

// Lookup resolves number against the current index.
func (r *Refresher) Lookup(number string) Contact {
	return r.index.Load().Lookup(number)
}

// Refresh fetches the phonebook unless the last network attempt is younger
// than the throttle window and force is false. A throttled call returns the
// current index together with the error of that attempt, if it failed.
// Concurrent callers share a single in-flight fetch. On failure the previous
// index stays in place and a *FetchError is returned.
func (r *Refresher) Refresh(ctx context.Context, force bool) (*Index, error) {
	if !force {
		if ok, err := r.throttled(); ok {
			return r.index.Load(), err
		}
	}

	// The shared fetch outlives any single caller giving up.
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan("fetch", func() (any, error) {
		// A caller that queued behind a finished fetch must not fetch again.
		if !force {
			if ok, err := r.throttled(); ok {
				return r.index.Load(), err
			}
		}
		return r.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return r.index.Load(), res.Err
		}
		return res.Val.(*Index), nil
	case <-ctx.Done():
		return r.index.Load(), ctx.Err()
	}
}

func (r *Refresher) fetch(ctx context.Context) (*Index, error) {
	start := r.opts.Clock()
	entries, err := r.fetcher.FetchEntries(ctx, r.opts.PhonebookID)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = fetchErr(ErrNetwork, "fetch phonebook", err)
		}
		r.recordAttempt(fe)
		r.opts.Metrics.PhonebookFetch(fe, 0)
		return nil, fe
	}

	idx := Build(entries, r.opts.Prefixes)
	r.index.Store(idx)
	r.recordAttempt(nil)

	r.opts.Metrics.PhonebookFetch(nil, idx.Len())
	r.log.WithFields(logrus.Fields{
		"entries": len(entries),
		"numbers": idx.Len(),
		"took":    r.opts.Clock().Sub(start).String(),
	}).Info("phonebook refreshed")
	return idx, nil
}

func (r *Refresher) recordAttempt(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFetch = r.opts.Clock()
	r.lastErr = err
}

// throttled reports whether the last attempt is still inside the window,
// and what it returned.
func (r *Refresher) throttled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFetch.IsZero() || r.opts.Clock().Sub(r.lastFetch) >= r.opts.Throttle {
		return false, nil
	}
	return true, r.lastErr
}

// Run refreshes immediately and then every interval until ctx is done.
// Failures are logged and the stale index keeps serving lookups.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Refresh(ctx, false); err != nil && ctx.Err() == nil {
			entry := r.log.WithError(err)
			var fe *FetchError
			if errors.As(err, &fe) && !fe.Retryable() {
				entry.Error("phonebook credentials rejected, check fritzbox.username and fritzbox.password")
			} else {
				entry.Warn("phonebook refresh failed, serving previous data")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
