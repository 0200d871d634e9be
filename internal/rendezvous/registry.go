package rendezvous

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// DefaultHostCodeTTL is how long a host code stays matchable.
const DefaultHostCodeTTL = 30 * time.Minute

// hostCodeBytes is the amount of randomness behind each host code.
const hostCodeBytes = 16

// RemovalReason says why a registration left the registry.
type RemovalReason string

const (
	RemovalSuperseded RemovalReason = "superseded"
	RemovalExpired    RemovalReason = "expired"
	RemovalClosed     RemovalReason = "closed"
)

// HostRegistration is one peer currently offering itself for matching.
// Registrations are immutable once created.
type HostRegistration struct {
	Code      string
	Endpoint  types.PeerEndpoint
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Registry maps host codes to the peers that registered them.
//
// hostsByCode and codeByEndpoint always reference each other: every code in
// codeByEndpoint is a key of hostsByCode and every registration is reachable
// from its endpoint key. A single mutex serializes registration, lookup and
// expiry so the expiry guard can compare-then-delete atomically.
type Registry struct {
	mu             sync.Mutex
	hostsByCode    map[string]*HostRegistration
	codeByEndpoint map[string]string
	timers         map[string]*clock.Timer // hostCode -> pending expiry
	closed         bool

	clock clock.Clock
	ttl   time.Duration

	registered uint64
	superseded uint64
	expired    uint64
	matched    uint64

	// Callbacks for lifecycle events (optional). They run after the
	// registry lock is released.
	OnRegistered func(reg HostRegistration)
	OnRemoved    func(reg HostRegistration, reason RemovalReason)
}

// NewRegistry creates an empty registry. A nil clock means the wall clock;
// a non-positive ttl means DefaultHostCodeTTL.
func NewRegistry(clk clock.Clock, ttl time.Duration) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultHostCodeTTL
	}
	return &Registry{
		hostsByCode:    make(map[string]*HostRegistration),
		codeByEndpoint: make(map[string]string),
		timers:         make(map[string]*clock.Timer),
		clock:          clk,
		ttl:            ttl,
	}
}

// TTL returns the lifetime given to new registrations.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Now reads the registry's clock.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// Register records a host and returns its fresh registration. Any earlier
// registration from the same public+private endpoint is removed first and its
// code becomes unmatchable. After Close the registration is returned but not
// stored, so its code never matches.
func (r *Registry) Register(public, private types.Endpoint) HostRegistration {
	endpoint := types.PeerEndpoint{Public: public, Private: private}
	key := endpoint.Key()

	r.mu.Lock()

	if r.closed {
		now := r.clock.Now()
		r.mu.Unlock()
		return HostRegistration{
			Code:      generateHostCode(),
			Endpoint:  endpoint,
			CreatedAt: now,
			ExpiresAt: now,
		}
	}

	var previous *HostRegistration
	if oldCode, exists := r.codeByEndpoint[key]; exists {
		previous = r.removeLocked(oldCode, key)
		r.superseded++
	}

	code := generateHostCode()
	for {
		if _, exists := r.hostsByCode[code]; !exists {
			break
		}
		code = generateHostCode()
	}

	now := r.clock.Now()
	reg := &HostRegistration{
		Code:      code,
		Endpoint:  endpoint,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.hostsByCode[code] = reg
	r.codeByEndpoint[key] = code
	r.registered++

	r.timers[code] = r.clock.AfterFunc(r.ttl, func() {
		r.expire(code, key)
	})

	snapshot := *reg
	r.mu.Unlock()

	if previous != nil && r.OnRemoved != nil {
		r.OnRemoved(*previous, RemovalSuperseded)
	}
	if r.OnRegistered != nil {
		r.OnRegistered(snapshot)
	}

	return snapshot
}

// Lookup returns the live registration for a host code.
func (r *Registry) Lookup(code string) (HostRegistration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, exists := r.hostsByCode[code]
	if !exists {
		return HostRegistration{}, false
	}
	return *reg, true
}

// CodeFor returns the live host code registered by an endpoint, if any.
func (r *Registry) CodeFor(endpoint types.PeerEndpoint) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, exists := r.codeByEndpoint[endpoint.Key()]
	return code, exists
}

// recordMatch bumps the match counter. Matches never consume a registration.
func (r *Registry) recordMatch() {
	r.mu.Lock()
	r.matched++
	r.mu.Unlock()
}

// expire runs when a registration's timer fires. It only deletes if code is
// still the one bound to key, so a superseded registration's timer cannot
// remove its replacement.
func (r *Registry) expire(code, key string) {
	r.mu.Lock()
	if current, exists := r.codeByEndpoint[key]; !exists || current != code {
		r.mu.Unlock()
		return
	}
	reg := r.removeLocked(code, key)
	r.expired++
	r.mu.Unlock()

	if reg != nil && r.OnRemoved != nil {
		r.OnRemoved(*reg, RemovalExpired)
	}
}

// removeLocked deletes a registration from both maps and stops its timer.
// Callers must hold r.mu.
func (r *Registry) removeLocked(code, key string) *HostRegistration {
	reg := r.hostsByCode[code]
	delete(r.hostsByCode, code)
	if current, exists := r.codeByEndpoint[key]; exists && current == code {
		delete(r.codeByEndpoint, key)
	}
	if timer, exists := r.timers[code]; exists {
		timer.Stop()
		delete(r.timers, code)
	}
	return reg
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hostsByCode)
}

// Close stops all pending expiry timers and drops every registration.
// Register keeps working afterwards but schedules no new timers.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	removed := make([]HostRegistration, 0, len(r.hostsByCode))
	for code, reg := range r.hostsByCode {
		removed = append(removed, *reg)
		r.removeLocked(code, reg.Endpoint.Key())
	}
	r.mu.Unlock()

	if r.OnRemoved != nil {
		for _, reg := range removed {
			r.OnRemoved(reg, RemovalClosed)
		}
	}
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RegistryStats{
		Active:     len(r.hostsByCode),
		Registered: r.registered,
		Superseded: r.superseded,
		Expired:    r.expired,
		Matched:    r.matched,
	}
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Active     int    `json:"active"`
	Registered uint64 `json:"registered"`
	Superseded uint64 `json:"superseded"`
	Expired    uint64 `json:"expired"`
	Matched    uint64 `json:"matched"`
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("Active=%d, Registered=%d, Superseded=%d, Expired=%d, Matched=%d",
		s.Active, s.Registered, s.Superseded, s.Expired, s.Matched)
}

// generateHostCode creates a random 32-character hex code.
// Example: "9f86d081884c7d659a2feaa0c55ad015"
func generateHostCode() string {
	b := make([]byte, hostCodeBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails if the OS entropy source is broken
		panic(fmt.Sprintf("rendezvous: read random host code: %v", err))
	}
	return hex.EncodeToString(b)
}
