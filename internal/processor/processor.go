// Package processor implements the candle transforms shared by the historical
// manager and the live feed: validation, cleaning, session filtering,
// resampling and a TTL cache.
package processor

import (
	"time"

	"github.com/sirupsen/logrus"

	"market-data-pipeline/internal/domain"
)

// Processor is stateless apart from its cache. One instance is constructed
// per process and passed to the components that need it.
type Processor struct {
	session domain.Session
	cache   *Cache
	logger  logrus.FieldLogger
}

// Options contains configuration for creating a Processor.
type Options struct {
	Session domain.Session
	Now     func() time.Time // cache clock; defaults to time.Now
	Logger  logrus.FieldLogger
}

// New creates a Processor. A zero Session means the default NSE session.
func New(opts Options) *Processor {
	session := opts.Session
	if session.Location == nil {
		session = domain.DefaultSession()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Processor{
		session: session,
		cache:   NewCache(opts.Now),
		logger:  logger.WithField("component", "processor"),
	}
}

// Session returns the trading session used for filtering and bucketing.
func (p *Processor) Session() domain.Session {
	return p.session
}

// Cache stores payload under key for ttl.
func (p *Processor) Cache(key string, payload any, ttl time.Duration) {
	p.cache.Set(key, payload, ttl)
	p.logger.Debugf("cached %s for %v", key, ttl)
}

// GetCached returns the payload for key unless absent or expired.
func (p *Processor) GetCached(key string) (any, bool) {
	return p.cache.Get(key)
}

// Invalidate drops key from the cache.
func (p *Processor) Invalidate(key string) {
	p.cache.Invalidate(key)
}

// SaveCache writes the cached candle series to path.
func (p *Processor) SaveCache(path string) error {
	n, err := p.cache.SaveFile(path)
	if err != nil {
		return err
	}
	p.logger.Infof("saved %d cache entries to %s", n, path)
	return nil
}

// LoadCache restores unexpired cached candle series from path.
func (p *Processor) LoadCache(path string) error {
	n, err := p.cache.LoadFile(path)
	if err != nil {
		return err
	}
	p.logger.Infof("loaded %d cache entries from %s", n, path)
	return nil
}

// ClearCache drops every cache entry.
func (p *Processor) ClearCache() {
	p.cache.Clear()
	p.logger.Info("cleared cache")
}
