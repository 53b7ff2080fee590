// Package store provides storage backends for SevakBot.
//
// It holds the records the conversation and broadcast engines read and write:
// user language preferences, complaints, letter requests, schemes, events, recipient lists,
// poll definitions and inbound dedup markers. Backends are in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SevakBot/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ContactList names one of a tenant's recipient lists.
type ContactList string

const (
	// ListVoters is the primary recipient list.
	ListVoters ContactList = "voters"
	// ListNonVoters is the secondary recipient list.
	ListNonVoters ContactList = "non_voters"
)

// Store is the data store used by the engines.
type Store interface {
	DedupRepo

	// GetUserLanguage returns the stored language for a user, or "" if none is stored.
	GetUserLanguage(ctx context.Context, userID string) (models.Language, error)
	// SetUser creates or updates the user record with a display name and language.
	SetUser(ctx context.Context, userID, name string, lang models.Language) error

	// SaveComplaint persists a complaint and returns its ticket id.
	SaveComplaint(ctx context.Context, c models.Complaint) (int64, error)
	ListComplaints(ctx context.Context, tenantID string) ([]models.Complaint, error)

	// SaveLetterRequest persists a letter request and returns its reference number.
	SaveLetterRequest(ctx context.Context, l models.LetterRequest) (int64, error)
	ListLetterRequests(ctx context.Context, tenantID string) ([]models.LetterRequest, error)

	AddScheme(ctx context.Context, s models.Scheme) (int64, error)
	ListSchemes(ctx context.Context, tenantID string) ([]models.Scheme, error)

	SaveEvent(ctx context.Context, e models.Event) error
	// ListUpcomingEvents returns events dated on or after from, soonest first.
	ListUpcomingEvents(ctx context.Context, tenantID string, from time.Time, limit int) ([]models.Event, error)
	GetEventContent(ctx context.Context, tenantID, eventID string) (models.Event, error)

	AddContacts(ctx context.Context, tenantID string, list ContactList, contacts []models.Contact) error
	// GetEventRecipients returns the primary and secondary raw recipient lists for an event.
	GetEventRecipients(ctx context.Context, tenantID, eventID string) (primary, secondary []models.Contact, err error)

	SavePoll(ctx context.Context, p models.Poll) error
	GetPoll(ctx context.Context, messageID string) (models.Poll, error)

	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType guesses the database driver from a connection string.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open creates the store backend matching the DSN.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		slog.Debug("store.Open: using PostgreSQL backend")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("store.Open: using SQLite backend", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
