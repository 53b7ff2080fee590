// Package status fans out per-tenant connection status and login QR codes to
// any number of subscribers, such as dashboard WebSocket clients.
//
// A new subscriber first receives the tenant's current status and, while the
// tenant is awaiting a scan, the current QR code. Publishing never blocks: a
// subscriber that stops reading loses its oldest undelivered events.
package status

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SevakBot/internal/models"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 16

// AllTenants subscribes to every tenant's events.
const AllTenants = ""

// Opts holds configuration options for the Hub.
type Opts struct {
	BufferSize int
	Now        func() time.Time
}

// Option defines a configuration option for the Hub.
type Option func(*Opts)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(o *Opts) {
		o.BufferSize = n
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Hub is the status channel. The zero value is not usable; call NewHub.
type Hub struct {
	bufSize int
	now     func() time.Time

	mu     sync.Mutex
	status map[string]models.StatusEvent
	qr     map[string]models.StatusEvent
	subs   map[*Subscription]struct{}
}

// Subscription receives events for one tenant, or all tenants.
type Subscription struct {
	hub      *Hub
	tenantID string
	ch       chan models.StatusEvent
	closed   bool
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	cfg := Opts{BufferSize: DefaultBufferSize, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize < 2 {
		cfg.BufferSize = 2
	}
	return &Hub{
		bufSize: cfg.BufferSize,
		now:     cfg.Now,
		status:  make(map[string]models.StatusEvent),
		qr:      make(map[string]models.StatusEvent),
		subs:    make(map[*Subscription]struct{}),
	}
}

// PublishStatus records and broadcasts a tenant's new connection state.
// Leaving AwaitingScan discards the stored QR code.
func (h *Hub) PublishStatus(tenantID string, state models.ConnectionState) {
	evt := models.StatusEvent{TenantID: tenantID, Kind: models.StatusKindState, State: state, Time: h.now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[tenantID] = evt
	if state != models.StateAwaitingScan {
		delete(h.qr, tenantID)
	}
	h.broadcastLocked(evt)
	slog.Debug("Hub.PublishStatus", "tenantID", tenantID, "state", state)
}

// PublishQR records and broadcasts a tenant's current login QR code.
func (h *Hub) PublishQR(tenantID, code string) {
	evt := models.StatusEvent{TenantID: tenantID, Kind: models.StatusKindQR, QR: code, Time: h.now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.qr[tenantID] = evt
	h.broadcastLocked(evt)
	slog.Debug("Hub.PublishQR", "tenantID", tenantID)
}

// Forget drops the stored snapshot for a tenant, so it no longer appears in
// all-tenant replays. Subscribers are kept.
func (h *Hub) Forget(tenantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.status, tenantID)
	delete(h.qr, tenantID)
}

// Snapshot returns the last status published for a tenant.
func (h *Hub) Snapshot(tenantID string) (models.StatusEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	evt, ok := h.status[tenantID]
	return evt, ok
}

// Subscribe registers a subscriber for tenantID, or for every tenant when
// tenantID is AllTenants. Replay and registration happen under one lock, so
// no event published after Subscribe returns can be missed or reordered
// ahead of the replay.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	sub := &Subscription{
		hub:      h,
		tenantID: tenantID,
		ch:       make(chan models.StatusEvent, h.bufSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var tenants []string
	if tenantID == AllTenants {
		for id := range h.status {
			tenants = append(tenants, id)
		}
		sort.Strings(tenants)
	} else {
		tenants = []string{tenantID}
	}
	for _, id := range tenants {
		evt, ok := h.status[id]
		if !ok {
			// A tenant that never published is not running.
			evt = models.StatusEvent{TenantID: id, Kind: models.StatusKindState, State: models.StateDisconnected, Time: h.now()}
		}
		sub.deliver(evt)
		if evt.State == models.StateAwaitingScan {
			if qr, ok := h.qr[id]; ok {
				sub.deliver(qr)
			}
		}
	}

	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) broadcastLocked(evt models.StatusEvent) {
	for sub := range h.subs {
		if sub.tenantID == AllTenants || sub.tenantID == evt.TenantID {
			sub.deliver(evt)
		}
	}
}

// deliver enqueues evt, discarding the oldest pending event if the buffer is
// full. Callers hold the hub lock, which makes the hub the only sender.
func (s *Subscription) deliver(evt models.StatusEvent) {
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// C returns the channel events are delivered on. It is closed by Close.
func (s *Subscription) C() <-chan models.StatusEvent {
	return s.ch
}

// TenantID returns the tenant this subscription follows.
func (s *Subscription) TenantID() string {
	return s.tenantID
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.hub.subs, s)
	close(s.ch)
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
