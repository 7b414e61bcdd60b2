// Package backstop is the root of a small resilience toolkit for services
// that talk to a shared key-value store: a two-tier cache with request
// deduplication, named priority job queues, a sliding-window rate limiter
// and per-dependency circuit breakers.
//
// Components:
//   - kv.Store: the key-value contract every durable component builds on
//     (kv/redis for production, kv/memory for tests or single-process use).
//   - cache.Service[V]: in-process fast tier over a remote tier, with tag
//     invalidation and stampede control via Fetch.
//   - queue.Service: named priority queues on a hash plus two sorted sets.
//   - ratelimit.Limiter: trailing-window limiter on sorted sets with an
//     in-process fallback while the store is unreachable.
//   - breaker.Breaker: named circuit breakers around outbound calls.
//
// Key namespaces owned by the toolkit:
//
//	cache:<ns>:<key>         cache entries (remote tier)
//	tag:<ns>:<tag>:<key>     cache tag markers
//	queue:<name>:jobs        job records (hash: id -> JSON)
//	queue:<name>:pending     queued job ids scored by priority
//	queue:<name>:processing  claimed job ids scored by claim time
//	queue:index              known queue names
//	ratelimit:<key>          request timestamps per limited key
//
// Services are plain values built from an Options struct; none of them keep
// package-level state. Hand every service the same kv.Store and they
// coordinate across processes exactly as far as the store's per-operation
// atomicity reaches. Nothing here implements consensus, transactions or
// exactly-once delivery.
//
// This package itself holds only the pieces the subpackages share: Logger
// and Fields for structured logging, and Clock for injectable time.
package backstop
