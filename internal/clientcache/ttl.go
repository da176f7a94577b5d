package clientcache

import "time"

// TTL constants for different data types.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// Link sessions expire with the custodian's token lifetime
	TTLLinkSession = 30 * time.Minute

	// Webhook event ids are kept long enough to absorb upstream redelivery
	TTLWebhookEvent = 48 * time.Hour

	// FX rates refresh daily; an hour keeps intra-day drift bounded
	TTLFXRate = time.Hour

	// Current quote cache for batch valuation passes
	TTLQuote = 10 * time.Minute
)
