// Package dedup provides the content fingerprint cache used to collapse
// duplicate event deliveries. It is a time-windowed seen-set with a hard
// entry cap: keys inside the window are reported as duplicates, and under
// sustained high-duplicate load the oldest entries are evicted regardless of
// window expiry to bound memory. Forgetting a very old duplicate and
// re-admitting it is acceptable; a false negative inside the window is not.
package dedup

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/metric"
)

// Config contains configuration for the fingerprint cache.
type Config struct {
	// Window is how long a fingerprint is treated as recently seen.
	Window time.Duration `json:"window"`

	// MaxEntries is the hard entry cap; the oldest entries are evicted
	// past it regardless of window expiry.
	MaxEntries int `json:"max_entries"`

	// CleanupInterval is how often expired entries are swept out.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns the production defaults: a 30 second window with a
// 4000 entry cap.
func DefaultConfig() Config {
	return Config{
		Window:          30 * time.Second,
		MaxEntries:      4000,
		CleanupInterval: 10 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dedup", "Validate",
			fmt.Sprintf("window must be positive, got %v", c.Window))
	}
	if c.MaxEntries <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dedup", "Validate",
			fmt.Sprintf("max_entries must be positive, got %d", c.MaxEntries))
	}
	if c.CleanupInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "dedup", "Validate",
			fmt.Sprintf("cleanup_interval must be positive, got %v", c.CleanupInterval))
	}
	return nil
}

// entry is one resident fingerprint. Expiry is fixed at first sight: a
// duplicate hit does not extend the window.
type entry struct {
	key       string
	expiresAt time.Time
}

// Option configures cache behavior.
type Option func(*options)

type options struct {
	metricsReg *metric.Registry
}

// WithMetrics enables Prometheus metrics export for cache activity.
// If registry is nil, this option is ignored.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *options) {
		o.metricsReg = registry
	}
}

// Cache is the fingerprint seen-set.
type Cache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	items      map[string]*list.Element
	order      *list.List // front = newest insertion, back = oldest

	duplicates uint64
	admissions uint64
	evictions  uint64

	metrics *cacheMetrics

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a fingerprint cache and starts its background expiry sweep.
// The sweep stops when ctx is cancelled or Close is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	var metrics *cacheMetrics
	if o.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(o.metricsReg)
		if err != nil {
			return nil, errors.WrapTransient(err, "dedup", "New", "metrics registration")
		}
	}

	c := &Cache{
		window:     cfg.Window,
		maxEntries: cfg.MaxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		metrics:    metrics,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.cleanup(ctx, cfg.CleanupInterval)

	return c, nil
}

// Seen reports whether key was recorded within the window, recording it on
// first sight. The side effect makes Seen the single dedup decision point:
// the first caller gets false, every caller within the window after that
// gets true.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		e := element.Value.(*entry)
		if now.Before(e.expiresAt) {
			c.duplicates++
			if c.metrics != nil {
				c.metrics.duplicates.Inc()
			}
			return true
		}
		// Expired: eligible to be treated as new again
		c.removeElement(element)
	}

	element := c.order.PushFront(&entry{key: key, expiresAt: now.Add(c.window)})
	c.items[key] = element

	if c.order.Len() > c.maxEntries {
		c.evictOldest()
	}

	c.admissions++
	if c.metrics != nil {
		c.metrics.admissions.Inc()
		c.metrics.size.Set(float64(len(c.items)))
	}

	return false
}

// Size returns the current number of resident fingerprints.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Duplicates returns how many duplicate sightings have been reported.
func (c *Cache) Duplicates() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// Reset removes all resident fingerprints.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	if c.metrics != nil {
		c.metrics.size.Set(0)
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() error {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "dedup", "Close", "wait for sweep goroutine")
	}
}

// evictOldest removes the oldest insertion regardless of expiry.
// Must be called with the mutex held.
func (c *Cache) evictOldest() {
	element := c.order.Back()
	if element == nil {
		return
	}
	c.removeElement(element)
	c.evictions++
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
}

// removeElement removes an element from both the list and map.
// Must be called with the mutex held.
func (c *Cache) removeElement(element *list.Element) {
	e := element.Value.(*entry)
	delete(c.items, e.key)
	c.order.Remove(element)
}

// cleanup periodically removes expired fingerprints.
func (c *Cache) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired sweeps out all entries past their window.
func (c *Cache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for element := c.order.Back(); element != nil; {
		prev := element.Prev()
		if now.After(element.Value.(*entry).expiresAt) {
			c.removeElement(element)
		}
		element = prev
	}

	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}
