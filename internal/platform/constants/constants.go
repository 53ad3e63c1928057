// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package constants provides centralized, immutable values for the entire platform.

It defines default timeouts, rate limits, and cross-cutting keys that are shared
between different layers of the system.

Categories:

  - Server Timing: Read/Write/Idle timeouts for the HTTP server.
  - Rate Limiting: Burst capacities and IP tracking TTLs.
  - Security: Token issuers, cookie configuration, and concurrency policy floors.

Using this package ensures Magic Strings and Magic Numbers are eliminated
from the business logic. Deployment-tunable values live in config.Config
instead; only values fixed by protocol or by an engineering decision
belong here.
*/
package constants

import "time"

// # Metadata

const (
	AppName    = "veyra-idp"
	AppVersion = "0.1.0-dev"
)

// # Server Timing

const (
	// DefaultReadTimeout is the maximum duration for reading the entire request.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the maximum duration before timing out writes of the response.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout is the maximum amount of time to wait for the next request.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultReadHeaderTimeout is the amount of time allowed to read request headers.
	DefaultReadHeaderTimeout = 2 * time.Second

	// GlobalRequestTimeout is the deadline for the entire request lifecycle.
	GlobalRequestTimeout = 30 * time.Second

	// ShutdownTimeout is how long we wait for in-flight requests to complete during shutdown.
	ShutdownTimeout = 30 * time.Second
)

// # Outbound Call Deadlines

const (
	// CacheCallTimeout bounds every distributed-cache round trip.
	CacheCallTimeout = 2 * time.Second

	// DatabaseCallTimeout bounds repository calls issued outside a request scope.
	DatabaseCallTimeout = 5 * time.Second

	// ExternalHTTPTimeout bounds breach-check, CAPTCHA, and geolocation calls.
	ExternalHTTPTimeout = 10 * time.Second
)

// # Rate Limiting

const (
	// DefaultRateLimitRPS is the requests per second allowed per IP.
	DefaultRateLimitRPS = 100.0

	// DefaultRateLimitBurst is the maximum burst allowed for the rate limiter.
	DefaultRateLimitBurst = 150

	// RateLimitCleanupInterval is how often old IP entries are removed from memory.
	RateLimitCleanupInterval = 1 * time.Minute

	// RateLimitClientTTL is how long a client must be idle before its entry is deleted.
	RateLimitClientTTL = 3 * time.Minute
)

// # Authentication

const (
	// AuthIssuer is the standard 'iss' claim in every token Veyra signs.
	AuthIssuer = "veyra.id"

	// RememberMeCookieName carries the (series, token) pair for persistent logins.
	RememberMeCookieName = "veyra_remember"

	// SessionCookieName carries the opaque session identifier.
	SessionCookieName = "veyra_session"

	// ExternalIDBytes is the byte length of a user's opaque external identifier.
	// Sixteen random bytes, base64url-encoded, doubling as the WebAuthn user handle.
	ExternalIDBytes = 16
)

// # Optimistic Concurrency

const (
	// OptimisticRetryAttempts is how many times a version-conflicted write is retried.
	OptimisticRetryAttempts = 3

	// OptimisticRetryBaseDelay is multiplied by the attempt number between retries.
	OptimisticRetryBaseDelay = 50 * time.Millisecond
)

// # HTTP Headers

const (
	HeaderXRequestID    = "X-Request-ID"
	HeaderXRealIP       = "X-Real-IP"
	HeaderXForwardedFor = "X-Forwarded-For"
	HeaderOrigin        = "Origin"
	HeaderRetryAfter    = "Retry-After"
	HeaderAuthorization = "Authorization"
)

// # Response Fields

const (
	FieldCode  = "code"
	FieldError = "error"
)
