// Package session owns one WhatsApp connection per tenant: connect, login
// by QR scan, reconnect after drops, logout, and the single outbound path
// every send for that tenant goes through.
package session

import (
	"context"
	"errors"

	"github.com/BTreeMap/SevakBot/internal/models"
)

var (
	// ErrNotConnected is returned by sends on a tenant that is not Connected.
	ErrNotConnected = errors.New("tenant session not connected")
	// ErrUnknownTenant is returned for operations on a tenant with no session.
	ErrUnknownTenant = errors.New("unknown tenant session")
	// ErrShutdown is returned after Shutdown has been called.
	ErrShutdown = errors.New("session manager shut down")
)

// DisconnectCause classifies why a connection ended.
type DisconnectCause int

const (
	// CauseTransient is a network drop or server-side close; reconnect.
	CauseTransient DisconnectCause = iota
	// CauseLoggedOut means the device was unlinked; the session is torn down.
	CauseLoggedOut
	// CauseLoginTimeout means nobody scanned the QR codes in time; reconnect.
	CauseLoginTimeout
	// CauseDialFailed means the attempt never got connected; reconnect.
	CauseDialFailed
	// CauseReplaced means another client took over the same credentials.
	CauseReplaced
	// CauseBanned means the account is temporarily banned.
	CauseBanned
	// CauseClientOutdated means the server rejected this client version.
	CauseClientOutdated
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseTransient:
		return "transient"
	case CauseLoggedOut:
		return "logged_out"
	case CauseLoginTimeout:
		return "login_timeout"
	case CauseDialFailed:
		return "dial_failed"
	case CauseReplaced:
		return "replaced"
	case CauseBanned:
		return "banned"
	case CauseClientOutdated:
		return "client_outdated"
	default:
		return "unknown"
	}
}

// severe reports whether the operator should hear about the drop even
// though a reconnect is attempted.
func (c DisconnectCause) severe() bool {
	switch c {
	case CauseReplaced, CauseBanned, CauseClientOutdated:
		return true
	default:
		return false
	}
}

// EventSink receives lifecycle and message events from one connection attempt.
type EventSink interface {
	OnQR(code string)
	OnPaired()
	OnConnected()
	OnDisconnected(cause DisconnectCause)
	OnMessage(env models.InboundEnvelope)
}

// Conn is one live platform connection.
type Conn interface {
	// Connect starts the connection. Progress is reported through the EventSink
	// given to Dial. It returns once the transport is up or ctx is done.
	Connect(ctx context.Context) error
	SendText(ctx context.Context, to, body string) (messageID string, err error)
	SendPoll(ctx context.Context, to, question string, options []string) (messageID string, err error)
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Close disconnects and releases local resources. It does not unlink.
	Close()
}

// Dialer builds connections from a tenant's stored credentials.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, sink EventSink) (Conn, error)
}

// CredentialStore is the durable per-tenant credential storage.
type CredentialStore interface {
	List() ([]string, error)
	Paired(ctx context.Context, tenantID string) (bool, error)
	Purge(tenantID string) error
}

// StatusPublisher receives every status transition and login challenge.
type StatusPublisher interface {
	PublishStatus(tenantID string, state models.ConnectionState)
	PublishQR(tenantID, code string)
}

// SnapshotForgetter is implemented by publishers that keep the last status
// per tenant. Logout asks them to drop it.
type SnapshotForgetter interface {
	Forget(tenantID string)
}

// InboundHandler consumes raw inbound messages, in arrival order per tenant.
type InboundHandler interface {
	HandleInbound(ctx context.Context, env models.InboundEnvelope)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, env models.InboundEnvelope)

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, env models.InboundEnvelope) {
	f(ctx, env)
}

// PollRecorder persists poll definitions so votes can be resolved later.
type PollRecorder interface {
	SavePoll(ctx context.Context, p models.Poll) error
}

// Alerter notifies a human operator about sessions that need attention.
type Alerter interface {
	Alert(ctx context.Context, tenantID, message string) error
}
