package config

import (
    "os"
    "time"
)

// RateLimitConfig tunes the Redis token bucket that shields the
// purchase and cancellation endpoints.  The limiter is a fairness
// device, not a correctness mechanism: capacity decisions are already
// serialized by the occurrence lock, the bucket just keeps one client
// from monopolizing the lock's retry budget.
type RateLimitConfig struct {
    Enabled        bool          // master switch
    Capacity       int           // bucket size (burst)
    RefillTokens   int           // tokens added per interval
    RefillInterval time.Duration // refill cadence
    TTL            time.Duration // idle bucket expiry in Redis
    KeyStrategy    string        // how buckets are keyed (user, ip, route combinations)
    Prefix         string        // redis key prefix
    Debug          bool          // verbose limiter logging
}

// LoadRateLimitConfig reads the limiter settings from the environment
// with defaults sized for a ticket on-sale: a small per-user burst
// with a steady one-request-per-second refill.
func LoadRateLimitConfig() RateLimitConfig {
    def := RateLimitConfig{
        Enabled:        envBool("RATE_LIMIT_ENABLED", true),
        Capacity:       envInt("RATE_LIMIT_CAPACITY", 10),
        RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
        RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", time.Second),
        TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
        KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "user_route"),
        Prefix:         envStr("RATE_LIMIT_PREFIX", "rl"),
        Debug:          envBool("RATE_LIMIT_DEBUG", false),
    }
    if def.Capacity < 1 {
        def.Capacity = 1
    }
    if def.RefillTokens < 1 {
        def.RefillTokens = 1
    }
    if def.RefillInterval <= 0 {
        def.RefillInterval = time.Second
    }
    // Keep buckets alive long enough to refill fully at least once.
    if minTTL := 5 * def.RefillInterval; def.TTL < minTTL {
        def.TTL = minTTL
    }
    return def
}

// envBool reads a boolean-ish environment variable with a default.
func envBool(k string, d bool) bool {
    switch os.Getenv(k) {
    case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
        return true
    case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
        return false
    }
    return d
}
