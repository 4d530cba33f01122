// Package dmlimiter paces outbound direct messages per worker account.
//
// Each account gets a deterministic hourly budget in the 8-15 range so
// traffic stays human-plausible, enforced by a sliding window plus a token
// pacer. Soft-block signals from the page put the account into a cooldown
// that stretches with consecutive blocks and decays back on success.
package dmlimiter

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	minHourly    = 8
	maxHourly    = 15
	baseCooldown = 10 * time.Minute
	maxCooldown  = 40 * time.Minute
)

// HourlyCap returns the deterministic per-account DM budget.
func HourlyCap(accountID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return minHourly + int(h.Sum32()%(maxHourly-minHourly+1))
}

type accountState struct {
	sends         []time.Time
	cooldownUntil time.Time
	blockStreak   int
	pacer         *rate.Limiter
}

// Limiter tracks per-account send windows. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	accounts map[string]*accountState
	now      func() time.Time
}

// New creates a Limiter using the wall clock.
func New() *Limiter { return NewWithClock(time.Now) }

// NewWithClock creates a Limiter with an injectable clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{accounts: map[string]*accountState{}, now: now}
}

func (l *Limiter) state(accountID string) *accountState {
	st, ok := l.accounts[accountID]
	if !ok {
		budget := HourlyCap(accountID)
		st = &accountState{pacer: rate.NewLimiter(rate.Limit(float64(budget)/3600.0), 1)}
		l.accounts[accountID] = st
	}
	return st
}

// Allow reports whether the account may send a DM now, and how long to wait
// otherwise. An allowed call reserves the send slot.
func (l *Limiter) Allow(accountID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	st := l.state(accountID)

	if now.Before(st.cooldownUntil) {
		return false, st.cooldownUntil.Sub(now)
	}

	cutoff := now.Add(-time.Hour)
	kept := st.sends[:0]
	for _, ts := range st.sends {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.sends = kept

	if len(st.sends) >= HourlyCap(accountID) {
		return false, st.sends[0].Add(time.Hour).Sub(now)
	}
	if !st.pacer.AllowN(now, 1) {
		return false, time.Minute
	}
	st.sends = append(st.sends, now)
	return true, 0
}

// RecordBlock registers a soft-block signal and opens a cooldown window that
// stretches with the streak, capped at the maximum.
func (l *Limiter) RecordBlock(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(accountID)
	st.blockStreak++
	cd := baseCooldown * time.Duration(st.blockStreak)
	if cd > maxCooldown {
		cd = maxCooldown
	}
	st.cooldownUntil = l.now().Add(cd)
}

// RecordSuccess decays the block streak back toward baseline.
func (l *Limiter) RecordSuccess(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(accountID)
	if st.blockStreak > 0 {
		st.blockStreak--
	}
}
