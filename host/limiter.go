package host

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate-limit parameters for SRP hello handling. The per-connection bucket
// stops a single socket from hammering the handshake; the per-identity bucket
// is shared across connections so parallel sockets cannot multiply attempts.
const (
	helloBucketCapacity    = 6
	helloBucketPerMinute   = 6
	identityBucketCapacity = 30
	identityBucketPerMin   = 30
	identityTTL            = 30 * time.Minute

	failedProofBaseCooldown = 5 * time.Second
	failedProofMaxCooldown  = 5 * time.Minute
)

func newHelloBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(helloBucketPerMinute)/60.0), helloBucketCapacity)
}

// identityEntry is the shared per-identity limiter state. Access goes through
// the registry mutex; connections hold only the identity name.
type identityEntry struct {
	bucket       *rate.Limiter
	blockedUntil time.Time
	failedProofs int
	lastSeen     time.Time
}

// identityRegistry tracks per-identity buckets with idle eviction. In-memory
// only: limiter state does not survive a restart.
type identityRegistry struct {
	mu      sync.Mutex
	entries map[string]*identityEntry
}

func newIdentityRegistry() *identityRegistry {
	return &identityRegistry{entries: make(map[string]*identityEntry)}
}

func (r *identityRegistry) get(identity string, now time.Time) *identityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[identity]
	if e == nil {
		e = &identityEntry{
			bucket: rate.NewLimiter(rate.Limit(float64(identityBucketPerMin)/60.0), identityBucketCapacity),
		}
		r.entries[identity] = e
	}
	e.lastSeen = now
	return e
}

// allowHello consumes one token from the identity bucket and reports whether
// the identity is currently blocked.
func (r *identityRegistry) allowHello(identity string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[identity]
	if e == nil {
		e = &identityEntry{
			bucket: rate.NewLimiter(rate.Limit(float64(identityBucketPerMin)/60.0), identityBucketCapacity),
		}
		r.entries[identity] = e
	}
	e.lastSeen = now
	if now.Before(e.blockedUntil) {
		return false
	}
	return e.bucket.AllowN(now, 1)
}

// recordFailedProof applies the exponential cooldown to the identity.
func (r *identityRegistry) recordFailedProof(identity string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[identity]
	if e == nil {
		return
	}
	e.failedProofs++
	e.blockedUntil = now.Add(proofCooldown(e.failedProofs))
}

// reset clears the identity's failure state after a successful proof.
func (r *identityRegistry) reset(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[identity]; e != nil {
		e.failedProofs = 0
		e.blockedUntil = time.Time{}
	}
}

// evictIdle drops identities not seen within the TTL.
func (r *identityRegistry) evictIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > identityTTL {
			delete(r.entries, id)
		}
	}
}

// proofCooldown returns 5s * 2^(failures-1), capped at 5 minutes.
func proofCooldown(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := failedProofBaseCooldown
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= failedProofMaxCooldown {
			return failedProofMaxCooldown
		}
	}
	if d > failedProofMaxCooldown {
		return failedProofMaxCooldown
	}
	return d
}
