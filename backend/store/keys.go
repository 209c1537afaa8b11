package store

import (
	"fmt"
)

// Redis key namespaces. Every ephemeral key the core touches lives under
// the "domo:" prefix so operators can scan and expire by concern.
const (
	keyPrefix = "domo"
)

// RateLimitKey names the sorted set holding a sliding window.
// Format: domo:ratelimit:{scope}:{identity}
func RateLimitKey(scope, identity string) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", keyPrefix, scope, identity)
}

// RequestSeqKey names the date-scoped allocator counter.
// Format: domo:reqnum:{YYMMDD}
func RequestSeqKey(yymmdd string) string {
	return fmt.Sprintf("%s:reqnum:%s", keyPrefix, yymmdd)
}

// RevocationKey names the per-service revocation cache entry.
// Format: domo:credrevoked:{service}
func RevocationKey(serviceName string) string {
	return fmt.Sprintf("%s:credrevoked:%s", keyPrefix, serviceName)
}

// IdempotencyKey names the stored webhook response for replay.
// Format: domo:webhook:idem:{source}:{externalID}
func IdempotencyKey(source, externalID string) string {
	return fmt.Sprintf("%s:webhook:idem:%s:%s", keyPrefix, source, externalID)
}

// EventChannel names the pub/sub channel for domain events.
// Format: domo:events:{topic}
func EventChannel(topic string) string {
	return fmt.Sprintf("%s:events:%s", keyPrefix, topic)
}
