// Package clock provides an NTP-corrected time source used to judge the
// freshness of a wallet's ton_proof timestamp against local wall-clock
// skew.
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
	"github.com/sirupsen/logrus"
)

// Clock tracks the offset between local wall-clock time and a set of NTP
// servers, resyncing periodically in the background.
type Clock struct {
	servers      []string
	syncInterval time.Duration
	queryTimeout time.Duration
	offset       atomic.Int64 // nanoseconds
	stopCh       chan struct{}
	stopped      atomic.Bool
}

// Options configures a Clock. Zero values fall back to sane defaults.
type Options struct {
	Servers      []string
	SyncInterval time.Duration
	QueryTimeout time.Duration
}

// New constructs a Clock. Call Start to begin background synchronization;
// until then, Now reports uncorrected local time.
func New(opts Options) *Clock {
	if len(opts.Servers) == 0 {
		opts.Servers = []string{
			"time.google.com",
			"time.cloudflare.com",
			"pool.ntp.org",
		}
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 5 * time.Second
	}

	c := &Clock{
		servers:      opts.Servers,
		syncInterval: opts.SyncInterval,
		queryTimeout: opts.QueryTimeout,
		stopCh:       make(chan struct{}),
	}
	c.stopped.Store(true)
	return c
}

// Start begins background synchronization. Safe to call once; subsequent
// calls are no-ops until Stop.
func (c *Clock) Start(ctx context.Context) {
	if !c.stopped.CompareAndSwap(true, false) {
		logrus.WithField("prefix", "Clock").Warn("already started")
		return
	}

	stop := make(chan struct{})
	c.stopCh = stop
	c.syncOnce()
	go c.syncLoop(ctx, stop)
}

// Stop halts background synchronization.
func (c *Clock) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
}

func (c *Clock) syncLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.syncOnce()
		}
	}
}

func (c *Clock) syncOnce() {
	log := logrus.WithField("prefix", "Clock")
	for _, server := range c.servers {
		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: c.queryTimeout})
		if err != nil {
			log.WithFields(logrus.Fields{"server": server, "error": err}).Debug("ntp query failed")
			continue
		}
		if err := resp.Validate(); err != nil {
			log.WithFields(logrus.Fields{"server": server, "error": err}).Debug("ntp response invalid")
			continue
		}
		c.offset.Store(int64(resp.ClockOffset))
		log.WithFields(logrus.Fields{"server": server, "offset": resp.ClockOffset}).Info("clock synchronized")
		return
	}
	log.Warn("failed to synchronize with any ntp server, using uncorrected local time")
}

// Now returns the corrected current time.
func (c *Clock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

// IsFresh reports whether a ton_proof timestamp (unix seconds) falls
// within window of the corrected current time, in either direction.
func (c *Clock) IsFresh(timestamp int64, window time.Duration) bool {
	proofTime := time.Unix(timestamp, 0)
	delta := c.Now().Sub(proofTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
