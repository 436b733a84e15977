package swarm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// SmartDialerConfig tunes the Happy-Eyeballs race.
type SmartDialerConfig struct {
	DialTimeout           time.Duration
	MaxConcurrentDials    int64
	DialConcurrencyFactor int
}

// DefaultSmartDialerConfig returns conservative dial timeout and
// concurrency defaults.
func DefaultSmartDialerConfig() SmartDialerConfig {
	return SmartDialerConfig{
		DialTimeout:           30 * time.Second,
		MaxConcurrentDials:    16,
		DialConcurrencyFactor: 8,
	}
}

// DialAttemptFunc performs one dial attempt to a single address. A non-nil
// error is swallowed by SmartDialer so sibling attempts keep racing
//.
type DialAttemptFunc func(ctx context.Context, addr *Address) (RawConnection, error)

// SmartDialer races ranked address groups with bounded concurrency; the
// first successful attempt wins and cancels every other in-flight attempt
//.
type SmartDialer struct {
	cfg SmartDialerConfig
	sem *semaphore.Weighted
}

// NewSmartDialer creates a SmartDialer from cfg.
func NewSmartDialer(cfg SmartDialerConfig) *SmartDialer {
	if cfg.MaxConcurrentDials <= 0 {
		cfg.MaxConcurrentDials = 16
	}
	if cfg.DialConcurrencyFactor <= 0 {
		cfg.DialConcurrencyFactor = 8
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SmartDialer{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrentDials)}
}

// DialResult is the winning attempt of a Dial race.
type DialResult struct {
	Address    *Address
	Connection RawConnection
}

// Dial ranks addresses into Happy-Eyeballs tiers and races dial attempts
// against them via attempt, honoring each tier's inter-group delay. It
// returns the first successful attempt, or ErrTimeout / ErrAllDialsFailed.
func (d *SmartDialer) Dial(ctx context.Context, addresses []*Address, attempt DialAttemptFunc) (*DialResult, error) {
	groups := RankDials(addresses)
	if len(groups) == 0 {
		return nil, ErrAllDialsFailed
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	resultCh := make(chan DialResult, 1)
	var once sync.Once
	winner := func(r DialResult) {
		once.Do(func() {
			resultCh <- r
		})
	}

	var wg sync.WaitGroup

	launchGroup := func(group DialRankGroup) (timedOut bool) {
		groupSem := make(chan struct{}, d.cfg.DialConcurrencyFactor)
		for _, addr := range group.Addresses {
			select {
			case <-ctx.Done():
				return true
			case groupSem <- struct{}{}:
			}
			if err := d.sem.Acquire(ctx, 1); err != nil {
				<-groupSem
				return true
			}
			wg.Add(1)
			go func(addr *Address) {
				defer wg.Done()
				defer d.sem.Release(1)
				defer func() { <-groupSem }()
				conn, err := attempt(ctx, addr)
				if err != nil || conn == nil {
					return
				}
				winner(DialResult{Address: addr, Connection: conn})
			}(addr)
		}
		return false
	}

raceLoop:
	for gi, group := range groups {
		if gi > 0 && group.Delay > 0 {
			timer := time.NewTimer(group.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				break raceLoop
			case <-timer.C:
			}
		}
		if launchGroup(group) {
			break raceLoop
		}
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case r := <-resultCh:
		return &r, nil
	case <-doneCh:
		select {
		case r := <-resultCh:
			return &r, nil
		default:
		}
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrAllDialsFailed
	case <-ctx.Done():
		select {
		case r := <-resultCh:
			return &r, nil
		default:
		}
		return nil, ErrTimeout
	}
}
