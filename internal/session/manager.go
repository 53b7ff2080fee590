package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SevakBot/internal/credstore"
	"github.com/BTreeMap/SevakBot/internal/models"
)

// Reconnect and dial defaults.
const (
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultMaxAttempts    = 10
	DefaultConnectTimeout = 60 * time.Second
	// DefaultAlertTimeout bounds one operator notification.
	DefaultAlertTimeout = 15 * time.Second
)

// scheduleFunc runs f after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Opts holds configuration options for the Manager.
type Opts struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	PurgeOnLogout  bool
	Alerter        Alerter
	Polls          PollRecorder
	Handler        InboundHandler

	schedule scheduleFunc
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithBackoff sets the first reconnect delay and the cap it doubles up to.
func WithBackoff(initial, max time.Duration) Option {
	return func(o *Opts) {
		o.InitialBackoff = initial
		o.MaxBackoff = max
	}
}

// WithMaxAttempts sets how many consecutive failed reconnects are tolerated
// before the session is parked in NeedsIntervention.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) {
		o.MaxAttempts = n
	}
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ConnectTimeout = d
	}
}

// WithPurgeOnLogout deletes stored credentials when the account logs the device out.
func WithPurgeOnLogout(purge bool) Option {
	return func(o *Opts) {
		o.PurgeOnLogout = purge
	}
}

// WithAlerter sets the operator notifier.
func WithAlerter(a Alerter) Option {
	return func(o *Opts) {
		o.Alerter = a
	}
}

// WithPollRecorder sets where poll definitions are saved.
func WithPollRecorder(p PollRecorder) Option {
	return func(o *Opts) {
		o.Polls = p
	}
}

// WithInboundHandler sets the consumer of inbound messages.
func WithInboundHandler(h InboundHandler) Option {
	return func(o *Opts) {
		o.Handler = h
	}
}

type tenantSession struct {
	id        string
	state     models.ConnectionState
	qr        string
	conn      Conn
	gen       uint64
	attempts  int
	retry     func() bool
	watchdog  func() bool
	outbound  chan struct{}
	updatedAt time.Time
}

func (s *tenantSession) stopTimersLocked() {
	if s.retry != nil {
		s.retry()
		s.retry = nil
	}
	if s.watchdog != nil {
		s.watchdog()
		s.watchdog = nil
	}
}

func (s *tenantSession) info() models.SessionInfo {
	return models.SessionInfo{
		TenantID:  s.id,
		State:     s.state,
		HasQR:     s.qr != "",
		Attempts:  s.attempts,
		UpdatedAt: s.updatedAt,
	}
}

// Manager is the registry of tenant sessions.
type Manager struct {
	opts   Opts
	dialer Dialer
	creds  CredentialStore
	pub    StatusPublisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*tenantSession
	handler  InboundHandler
	closed   bool
}

// NewManager creates a Manager. No connection is made until Connect or RestoreAll.
func NewManager(dialer Dialer, creds CredentialStore, pub StatusPublisher, opts ...Option) *Manager {
	cfg := Opts{
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		MaxAttempts:    DefaultMaxAttempts,
		ConnectTimeout: DefaultConnectTimeout,
		schedule:       afterFunc,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("session.NewManager", "initialBackoff", cfg.InitialBackoff, "maxBackoff", cfg.MaxBackoff,
		"maxAttempts", cfg.MaxAttempts, "connectTimeout", cfg.ConnectTimeout, "purgeOnLogout", cfg.PurgeOnLogout)
	return &Manager{
		opts:     cfg,
		dialer:   dialer,
		creds:    creds,
		pub:      pub,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*tenantSession),
		handler:  cfg.Handler,
	}
}

// SetInboundHandler replaces the consumer of inbound messages.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Connect starts a session for the tenant. It returns immediately; progress
// is reported on the status channel. Calling Connect on a tenant that is
// already connecting, awaiting a scan or connected does nothing.
func (m *Manager) Connect(tenantID string) error {
	if err := credstore.ValidateTenantID(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	s, ok := m.sessions[tenantID]
	if !ok {
		s = &tenantSession{
			id:       tenantID,
			state:    models.StateDisconnected,
			outbound: make(chan struct{}, 1),
		}
		m.sessions[tenantID] = s
	}
	if s.state.IsActive() {
		slog.Debug("Manager.Connect: session already active", "tenantID", tenantID, "state", s.state)
		return nil
	}
	s.stopTimersLocked()
	s.attempts = 0
	slog.Info("Manager.Connect: starting session", "tenantID", tenantID)
	m.startAttemptLocked(s)
	return nil
}

func (m *Manager) setStateLocked(s *tenantSession, state models.ConnectionState) {
	if s.state == state {
		return
	}
	slog.Info("Manager: session state changed", "tenantID", s.id, "from", s.state, "to", state)
	s.state = state
	s.updatedAt = time.Now()
	m.pub.PublishStatus(s.id, state)
}

func (m *Manager) startAttemptLocked(s *tenantSession) {
	s.gen++
	gen := s.gen
	s.qr = ""
	m.setStateLocked(s, models.StateConnecting)
	m.armWatchdogLocked(s)
	m.wg.Add(1)
	go m.runAttempt(s, gen)
}

func (m *Manager) armWatchdogLocked(s *tenantSession) {
	if s.watchdog != nil {
		s.watchdog()
	}
	id, gen := s.id, s.gen
	s.watchdog = m.opts.schedule(m.opts.ConnectTimeout, func() {
		m.mu.Lock()
		cur := m.currentLocked(id, gen)
		stalled := cur != nil && cur.state == models.StateConnecting
		m.mu.Unlock()
		if stalled {
			slog.Warn("Manager: connection attempt timed out", "tenantID", id)
			m.handleDrop(id, gen, CauseDialFailed)
		}
	})
}

func (m *Manager) runAttempt(s *tenantSession, gen uint64) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()

	sink := &attemptSink{m: m, tenantID: s.id, gen: gen}
	conn, err := m.dialer.Dial(ctx, s.id, sink)
	if err != nil {
		slog.Error("Manager.runAttempt: dial failed", "tenantID", s.id, "error", err)
		m.handleDrop(s.id, gen, CauseDialFailed)
		return
	}

	m.mu.Lock()
	if m.currentLocked(s.id, gen) == nil {
		m.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		slog.Error("Manager.runAttempt: connect failed", "tenantID", s.id, "error", err)
		m.handleDrop(s.id, gen, CauseDialFailed)
	}
}

// currentLocked returns the session only if gen is its live attempt.
func (m *Manager) currentLocked(tenantID string, gen uint64) *tenantSession {
	s, ok := m.sessions[tenantID]
	if !ok || s.gen != gen || m.closed {
		return nil
	}
	return s
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.opts.MaxBackoff {
			return m.opts.MaxBackoff
		}
	}
	if d > m.opts.MaxBackoff {
		return m.opts.MaxBackoff
	}
	return d
}

// handleDrop ends the attempt gen and decides what happens next. Only the
// first call per attempt has any effect, so one drop schedules at most one
// reconnect.
func (m *Manager) handleDrop(tenantID string, gen uint64, cause DisconnectCause) {
	m.mu.Lock()
	s := m.currentLocked(tenantID, gen)
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.qr = ""

	var alert string
	purge := false
	switch {
	case cause == CauseLoggedOut:
		delete(m.sessions, tenantID)
		m.setStateLocked(s, models.StateDisconnected)
		alert = "WhatsApp device was logged out. Scan a new QR code from the dashboard to reconnect."
		purge = m.opts.PurgeOnLogout
	default:
		s.attempts++
		if s.attempts > m.opts.MaxAttempts {
			m.setStateLocked(s, models.StateNeedsIntervention)
			alert = fmt.Sprintf("WhatsApp session failed to reconnect after %d attempts.", m.opts.MaxAttempts)
			break
		}
		delay := m.backoff(s.attempts)
		next := s.gen
		m.setStateLocked(s, models.StateDisconnected)
		s.retry = m.opts.schedule(delay, func() { m.retry(tenantID, next) })
		if cause.severe() {
			alert = fmt.Sprintf("WhatsApp session dropped (%s). Reconnecting, but it may need attention.", cause)
		}
		slog.Info("Manager: reconnect scheduled", "tenantID", tenantID, "cause", cause, "attempt", s.attempts, "delay", delay)
	}
	if alert != "" && m.opts.Alerter != nil {
		m.wg.Add(1)
		go m.sendAlert(tenantID, alert)
	}
	m.mu.Unlock()

	slog.Warn("Manager: connection dropped", "tenantID", tenantID, "cause", cause)
	if conn != nil {
		conn.Close()
	}
	if purge {
		if err := m.creds.Purge(tenantID); err != nil {
			slog.Error("Manager: failed to purge credentials after logout", "tenantID", tenantID, "error", err)
		}
	}
}

func (m *Manager) retry(tenantID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.currentLocked(tenantID, gen)
	if s == nil || s.state != models.StateDisconnected {
		return
	}
	s.retry = nil
	m.startAttemptLocked(s)
}

func (m *Manager) sendAlert(tenantID, message string) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultAlertTimeout)
	defer cancel()
	if err := m.opts.Alerter.Alert(ctx, tenantID, message); err != nil {
		slog.Warn("Manager: operator alert failed", "tenantID", tenantID, "error", err)
	}
}

// acquire waits for the tenant's outbound path and returns the live
// connection, or ErrNotConnected.
func (m *Manager) acquire(ctx context.Context, tenantID string) (Conn, func(), error) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	connected := ok && s.state == models.StateConnected
	m.mu.Unlock()
	if !connected {
		return nil, nil, fmt.Errorf("%s: %w", tenantID, ErrNotConnected)
	}

	select {
	case s.outbound <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	release := func() { <-s.outbound }

	m.mu.Lock()
	conn := s.conn
	live := m.sessions[tenantID] == s && s.state == models.StateConnected && conn != nil
	m.mu.Unlock()
	if !live {
		release()
		return nil, nil, fmt.Errorf("%s: %w", tenantID, ErrNotConnected)
	}
	return conn, release, nil
}

// Send delivers a text message through the tenant's connection. Sends for
// one tenant are serialized in the order they reach the outbound path.
func (m *Manager) Send(ctx context.Context, tenantID, to, body string) error {
	conn, release, err := m.acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := conn.SendText(ctx, to, body); err != nil {
		slog.Error("Manager.Send: failed", "tenantID", tenantID, "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Manager.Send: sent", "tenantID", tenantID, "to", to, "body_length", len(body))
	return nil
}

// SendPoll sends a single-choice poll and records its definition.
func (m *Manager) SendPoll(ctx context.Context, tenantID, to, question string, options []string) (string, error) {
	conn, release, err := m.acquire(ctx, tenantID)
	if err != nil {
		return "", err
	}
	defer release()

	id, err := conn.SendPoll(ctx, to, question, options)
	if err != nil {
		slog.Error("Manager.SendPoll: failed", "tenantID", tenantID, "to", to, "error", err)
		return "", fmt.Errorf("failed to send poll to %s: %w", to, err)
	}
	if m.opts.Polls != nil {
		poll := models.Poll{MessageID: id, TenantID: tenantID, Question: question, Options: options, CreatedAt: time.Now()}
		if err := m.opts.Polls.SavePoll(ctx, poll); err != nil {
			return id, fmt.Errorf("poll sent but not recorded: %w", err)
		}
	}
	return id, nil
}

// IsConnected reports whether the tenant can send right now.
func (m *Manager) IsConnected(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	return ok && s.state == models.StateConnected
}

// Status returns a snapshot of one tenant session.
func (m *Manager) Status(tenantID string) (models.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return models.SessionInfo{TenantID: tenantID, State: models.StateDisconnected}, ErrUnknownTenant
	}
	return s.info(), nil
}

// List returns snapshots of all sessions, ordered by tenant id.
func (m *Manager) List() []models.SessionInfo {
	m.mu.Lock()
	out := make([]models.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Logout unlinks the tenant's device, removes its session and deletes its
// stored credentials.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	if err := credstore.ValidateTenantID(tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	var conn Conn
	if ok {
		s.gen++
		s.stopTimersLocked()
		conn = s.conn
		s.conn = nil
		s.qr = ""
		delete(m.sessions, tenantID)
		m.setStateLocked(s, models.StateDisconnected)
	}
	m.mu.Unlock()

	if !ok {
		paired, err := m.creds.Paired(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to inspect credentials for %s: %w", tenantID, err)
		}
		if !paired {
			return ErrUnknownTenant
		}
		m.pub.PublishStatus(tenantID, models.StateDisconnected)
	}

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			slog.Warn("Manager.Logout: remote logout failed, removing local credentials anyway", "tenantID", tenantID, "error", err)
		}
		conn.Close()
	}
	if err := m.creds.Purge(tenantID); err != nil {
		return fmt.Errorf("failed to remove credentials for %s: %w", tenantID, err)
	}
	if f, ok := m.pub.(SnapshotForgetter); ok {
		f.Forget(tenantID)
	}
	slog.Info("Manager.Logout: tenant logged out", "tenantID", tenantID)
	return nil
}

// RestoreAll reconnects every tenant with paired credentials on disk, plus
// the given extra tenants. It returns the number of sessions started.
func (m *Manager) RestoreAll(ctx context.Context, extra ...string) (int, error) {
	ids, err := m.creds.List()
	if err != nil {
		return 0, err
	}
	var errs []error
	started := 0
	seen := make(map[string]bool)
	for _, id := range ids {
		paired, err := m.creds.Paired(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if !paired {
			slog.Debug("Manager.RestoreAll: skipping unpaired tenant", "tenantID", id)
			continue
		}
		seen[id] = true
		if err := m.Connect(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		started++
	}
	for _, id := range extra {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := m.Connect(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		started++
	}
	slog.Info("Manager.RestoreAll: sessions restored", "started", started)
	return started, errors.Join(errs...)
}

// Shutdown disconnects every session without logging out and waits for
// in-flight attempts to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var conns []Conn
	for _, s := range m.sessions {
		s.gen++
		s.stopTimersLocked()
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
		}
		m.setStateLocked(s, models.StateDisconnected)
	}
	m.sessions = make(map[string]*tenantSession)
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
	slog.Info("Manager.Shutdown: all sessions closed", "count", len(conns))
}

func (m *Manager) onQR(tenantID string, gen uint64, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.currentLocked(tenantID, gen)
	if s == nil {
		return
	}
	s.qr = code
	m.setStateLocked(s, models.StateAwaitingScan)
	m.pub.PublishQR(tenantID, code)
}

func (m *Manager) onPaired(tenantID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.currentLocked(tenantID, gen)
	if s == nil {
		return
	}
	s.qr = ""
	m.setStateLocked(s, models.StateConnecting)
	m.armWatchdogLocked(s)
}

func (m *Manager) onConnected(tenantID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.currentLocked(tenantID, gen)
	if s == nil {
		return
	}
	s.qr = ""
	s.attempts = 0
	if s.watchdog != nil {
		s.watchdog()
		s.watchdog = nil
	}
	m.setStateLocked(s, models.StateConnected)
}

func (m *Manager) onMessage(tenantID string, gen uint64, env models.InboundEnvelope) {
	m.mu.Lock()
	s := m.currentLocked(tenantID, gen)
	h := m.handler
	m.mu.Unlock()
	if s == nil || h == nil {
		return
	}
	env.TenantID = tenantID

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Manager: inbound handler panicked", "tenantID", tenantID, "messageID", env.MessageID, "panic", r)
		}
	}()
	h.HandleInbound(m.ctx, env)
}

// attemptSink binds platform events to one connection attempt.
type attemptSink struct {
	m        *Manager
	tenantID string
	gen      uint64
}

func (a *attemptSink) OnQR(code string) { a.m.onQR(a.tenantID, a.gen, code) }
func (a *attemptSink) OnPaired()        { a.m.onPaired(a.tenantID, a.gen) }
func (a *attemptSink) OnConnected()     { a.m.onConnected(a.tenantID, a.gen) }
func (a *attemptSink) OnDisconnected(cause DisconnectCause) {
	a.m.handleDrop(a.tenantID, a.gen, cause)
}
func (a *attemptSink) OnMessage(env models.InboundEnvelope) { a.m.onMessage(a.tenantID, a.gen, env) }
