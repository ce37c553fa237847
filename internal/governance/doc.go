// Package governance holds runtime controls applied by manifest handlers.
// Currently a token-bucket rate limiter keyed by handler.
package governance
