// Package broadcast sends one event announcement to a tenant's deduplicated
// recipient list, one message at a time with a randomized gap between sends.
//
// Each request becomes a Job that runs in the background; its progress and
// per-recipient failures can be queried while and after it runs.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/util"
)

// Pacing and addressing defaults.
const (
	DefaultMinDelay    = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Second
	DefaultCallingCode = "91"
	// nationalNumberLength is the digit count that gets the calling code prefixed.
	nationalNumberLength = 10
)

var (
	// ErrTenantNotConnected is returned when a broadcast is requested for a
	// tenant whose session is not Connected.
	ErrTenantNotConnected = errors.New("tenant not connected")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("broadcast job not found")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("broadcast engine shut down")
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Failure records one recipient that could not be sent to.
type Failure struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// Job is a snapshot of one broadcast.
type Job struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	EventID    string     `json:"event_id"`
	Status     JobStatus  `json:"status"`
	Recipients int        `json:"recipients"`
	Sent       int        `json:"sent"`
	Failures   []Failure  `json:"failures,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) snapshot() Job {
	out := *j
	out.Failures = append([]Failure(nil), j.Failures...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Sender is the tenant connection registry.
type Sender interface {
	IsConnected(tenantID string) bool
	Send(ctx context.Context, tenantID, to, body string) error
}

// Source provides campaign content and recipient lists.
type Source interface {
	GetEventContent(ctx context.Context, tenantID, eventID string) (models.Event, error)
	GetEventRecipients(ctx context.Context, tenantID, eventID string) (primary, secondary []models.Contact, err error)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	CallingCode func(tenantID string) string

	sleep func(ctx context.Context, d time.Duration) error
	delay func(min, max time.Duration) time.Duration
	now   func() time.Time
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithDelayWindow sets the range the gap between two sends is drawn from.
func WithDelayWindow(min, max time.Duration) Option {
	return func(o *Opts) {
		o.MinDelay = min
		o.MaxDelay = max
	}
}

// WithCallingCode sets the per-tenant calling code lookup.
func WithCallingCode(f func(tenantID string) string) Option {
	return func(o *Opts) {
		o.CallingCode = f
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Engine runs broadcast jobs and keeps their results.
type Engine struct {
	opts   Opts
	sender Sender
	source Source

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
}

// NewEngine creates an Engine.
func NewEngine(sender Sender, source Source, opts ...Option) *Engine {
	cfg := Opts{
		MinDelay: DefaultMinDelay,
		MaxDelay: DefaultMaxDelay,
		sleep:    sleepContext,
		delay:    util.RandomDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:   cfg,
		sender: sender,
		source: source,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

func (e *Engine) callingCode(tenantID string) string {
	if e.opts.CallingCode != nil {
		if cc := e.opts.CallingCode(tenantID); cc != "" {
			return cc
		}
	}
	return DefaultCallingCode
}

// Request starts a broadcast of eventID to the tenant's recipients and
// returns without waiting for it. It fails with ErrTenantNotConnected, and
// sends nothing, unless the tenant is Connected.
func (e *Engine) Request(ctx context.Context, tenantID, eventID string) (Job, error) {
	if !e.sender.IsConnected(tenantID) {
		return Job{}, fmt.Errorf("%s: %w", tenantID, ErrTenantNotConnected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Job{}, ErrShutdown
	}
	job := &Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		EventID:   eventID,
		Status:    JobRunning,
		CreatedAt: e.opts.now(),
	}
	e.jobs[job.ID] = job
	e.wg.Add(1)
	go e.run(job)

	slog.Info("Engine.Request: broadcast started", "jobID", job.ID, "tenantID", tenantID, "eventID", eventID)
	return job.snapshot(), nil
}

// Get returns a snapshot of one job.
func (e *Engine) Get(jobID string) (Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// List returns the tenant's jobs, newest first.
func (e *Engine) List(tenantID string) []Job {
	e.mu.Lock()
	var out []Job
	for _, j := range e.jobs {
		if j.TenantID == tenantID {
			out = append(out, j.snapshot())
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until every started job has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops running jobs and waits for them to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) finish(job *Job, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.now()
	job.FinishedAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		return
	}
	job.Status = JobCompleted
}

func (e *Engine) run(job *Job) {
	defer e.wg.Done()
	ctx := e.ctx

	event, err := e.source.GetEventContent(ctx, job.TenantID, job.EventID)
	if err != nil {
		slog.Error("Engine.run: event lookup failed", "jobID", job.ID, "eventID", job.EventID, "error", err)
		e.finish(job, fmt.Errorf("failed to load event %s: %w", job.EventID, err))
		return
	}
	primary, secondary, err := e.source.GetEventRecipients(ctx, job.TenantID, job.EventID)
	if err != nil {
		slog.Error("Engine.run: recipient lookup failed", "jobID", job.ID, "error", err)
		e.finish(job, fmt.Errorf("failed to load recipients: %w", err))
		return
	}

	recipients := Recipients(e.callingCode(job.TenantID), primary, secondary)
	body := FormatEventMessage(event)

	e.mu.Lock()
	job.Recipients = len(recipients)
	e.mu.Unlock()
	slog.Info("Engine.run: recipients resolved", "jobID", job.ID, "tenantID", job.TenantID, "count", len(recipients))

	for i, r := range recipients {
		if err := ctx.Err(); err != nil {
			e.finish(job, fmt.Errorf("broadcast interrupted after %d of %d recipients: %w", i, len(recipients), err))
			return
		}
		err := e.sender.Send(ctx, job.TenantID, r.Address, body)
		e.mu.Lock()
		if err != nil {
			job.Failures = append(job.Failures, Failure{Address: r.Address, Reason: err.Error()})
		} else {
			job.Sent++
		}
		e.mu.Unlock()
		if err != nil {
			slog.Warn("Engine.run: send failed", "jobID", job.ID, "to", r.Address, "error", err)
		}

		// The gap follows failed attempts too.
		if i == len(recipients)-1 {
			break
		}
		if err := e.opts.sleep(ctx, e.opts.delay(e.opts.MinDelay, e.opts.MaxDelay)); err != nil {
			e.finish(job, fmt.Errorf("broadcast interrupted after %d of %d recipients: %w", i+1, len(recipients), err))
			return
		}
	}

	e.finish(job, nil)
	snap, _ := e.Get(job.ID)
	slog.Info("Engine.run: broadcast finished", "jobID", job.ID, "sent", snap.Sent, "failed", len(snap.Failures))
}

// Recipient is one deduplicated broadcast target.
type Recipient struct {
	Address string
	Name    string
}

// Recipients merges contact lists in order. Contacts with an address shorter
// than models.MinRecipientLength are skipped; the first name seen for a
// normalized address is kept.
func Recipients(callingCode string, lists ...[]models.Contact) []Recipient {
	seen := make(map[string]bool)
	var out []Recipient
	for _, list := range lists {
		for _, c := range list {
			raw := strings.TrimSpace(c.Address)
			if len(raw) < models.MinRecipientLength {
				continue
			}
			addr := NormalizeAddress(raw, callingCode)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, Recipient{Address: addr, Name: c.Name})
		}
	}
	return out
}

// NormalizeAddress converts a raw contact address to a sendable one. An
// address with a routing suffix is returned unchanged; otherwise non-digits
// are stripped and a bare 10-digit number gets callingCode prefixed.
func NormalizeAddress(raw, callingCode string) string {
	if strings.Contains(raw, "@") {
		return raw
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == nationalNumberLength {
		return callingCode + digits
	}
	return digits
}

// FormatEventMessage renders the announcement for an event.
func FormatEventMessage(e models.Event) string {
	var b strings.Builder
	b.WriteString("📢 *New Event Announcement!* 📢\n\n")
	fmt.Fprintf(&b, "*%s*\n\n", e.Title)
	if e.Date != "" {
		fmt.Fprintf(&b, "📅 *Date:* %s\n", e.Date)
	}
	if e.Time != "" {
		fmt.Fprintf(&b, "⏰ *Time:* %s\n", e.Time)
	}
	if e.Location != "" {
		fmt.Fprintf(&b, "📍 *Location:* %s\n", e.Location)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", e.Description)
	}
	b.WriteString("\n_You are receiving this update from your Nagar Sevak Office._")
	return b.String()
}
