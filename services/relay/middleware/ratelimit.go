// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the relay.
//
// # Chain
//
//	Request
//	   │
//	   ▼
//	RequestID ──► CORS ──► RateLimit (chat routes only) ──► Handler
package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/chatrelay/services/relay/datatypes"
	"github.com/AleutianAI/chatrelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-client limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter holds one token bucket per client IP.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter creates a limiter allowing rps sustained requests per second
// with the given burst per client. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*clientLimiter),
	}
}

// Enabled reports whether the limiter rejects anything.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limit > 0
}

// Allow reports whether a request from clientIP may proceed now.
func (rl *RateLimiter) Allow(clientIP string) bool {
	if !rl.Enabled() {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		rl.sweepLocked(now)
	}

	cl, ok := rl.limiters[clientIP]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[clientIP] = cl
	}
	cl.lastAccess = now
	return cl.limiter.AllowN(now, 1)
}

// sweepLocked drops limiters that have not been used for limiterIdleTTL.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > limiterIdleTTL {
			delete(rl.limiters, ip)
		}
	}
	rl.lastSweep = now
}

// clients returns the number of tracked clients.
func (rl *RateLimiter) clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RateLimit rejects requests over the per-client budget with 429.
func RateLimit(rl *RateLimiter, metrics *observability.RelayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if !rl.Allow(ip) {
			metrics.RecordRateLimited()
			slog.Warn("Rate limit exceeded", "ip", ip, "path", c.FullPath())
			retryAfter := max(int(math.Ceil(1/float64(rl.limit))), 1)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Error: "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
