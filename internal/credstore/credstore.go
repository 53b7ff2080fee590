// Package credstore keeps each tenant's WhatsApp device credentials in its own
// SQLite file under the state directory.
//
// The whatsmeow SQL store writes every key and session update before
// returning, and the files are opened with synchronous=FULL, so credential
// changes are on disk before the client performs its next network operation.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// TenantsDirName is the directory under the state dir holding one folder per tenant.
	TenantsDirName = "tenants"
	// DeviceDBFileName is the credential database file inside a tenant folder.
	DeviceDBFileName = "whatsmeow.db"
	// DefaultDirPermissions is used for tenant folders; credentials are private.
	DefaultDirPermissions = 0700
)

// ErrInvalidTenantID is returned for tenant ids that cannot be used as a directory name.
var ErrInvalidTenantID = errors.New("invalid tenant id")

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateTenantID checks that id is safe to use as a path component.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}

// Opts holds configuration options for the credential store.
type Opts struct {
	LogLevel string // whatsmeow database log level
}

// Option defines a configuration option for the credential store.
type Option func(*Opts)

// WithLogLevel sets the level used for whatsmeow's database logger.
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

type handle struct {
	db        *sql.DB
	container *sqlstore.Container
}

// Store manages per-tenant credential databases rooted at one directory.
type Store struct {
	root     string
	logLevel string

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates a credential store rooted at stateDir/tenants.
func New(stateDir string, opts ...Option) (*Store, error) {
	cfg := Opts{LogLevel: "WARN"}
	for _, opt := range opts {
		opt(&cfg)
	}
	root := filepath.Join(stateDir, TenantsDirName)
	if err := os.MkdirAll(root, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create credential directory %s: %w", root, err)
	}
	slog.Debug("credstore.New: credential root ready", "root", root)
	return &Store{
		root:     root,
		logLevel: cfg.LogLevel,
		handles:  make(map[string]*handle),
	}, nil
}

// Path returns the credential database path for a tenant.
func (s *Store) Path(tenantID string) string {
	return filepath.Join(s.root, tenantID, DeviceDBFileName)
}

// Exists reports whether a credential file exists for the tenant.
func (s *Store) Exists(tenantID string) bool {
	if ValidateTenantID(tenantID) != nil {
		return false
	}
	_, err := os.Stat(s.Path(tenantID))
	return err == nil
}

// List returns the ids of all tenants that have a credential file, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateTenantID(e.Name()) != nil {
			continue
		}
		if s.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) dsn(tenantID string) string {
	return "file:" + s.Path(tenantID) + "?_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
}

// container returns the open sqlstore container for the tenant, creating the
// database and running whatsmeow's schema upgrades on first use.
func (s *Store) container(ctx context.Context, tenantID string) (*sqlstore.Container, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[tenantID]; ok {
		return h.container, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.Path(tenantID)), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create tenant credential directory: %w", err)
	}
	db, err := sql.Open("sqlite3", s.dsn(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database for %s: %w", tenantID, err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Stdout("Database/"+tenantID, s.logLevel, true))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade credential database for %s: %w", tenantID, err)
	}
	s.handles[tenantID] = &handle{db: db, container: container}
	slog.Debug("credstore.container: opened", "tenantID", tenantID)
	return container, nil
}

// Open returns the tenant's device. A fresh, unpaired device is returned if
// the tenant has never logged in.
func (s *Store) Open(ctx context.Context, tenantID string) (*store.Device, error) {
	container, err := s.container(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device for %s: %w", tenantID, err)
	}
	return device, nil
}

// Paired reports whether the tenant has a logged-in device on disk.
func (s *Store) Paired(ctx context.Context, tenantID string) (bool, error) {
	if !s.Exists(tenantID) {
		return false, nil
	}
	device, err := s.Open(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return device.ID != nil, nil
}

// Release closes the tenant's credential database if it is open.
func (s *Store) Release(tenantID string) error {
	s.mu.Lock()
	h, ok := s.handles[tenantID]
	delete(s.handles, tenantID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return h.db.Close()
}

// Purge closes and deletes all credential material for the tenant.
func (s *Store) Purge(tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	if err := s.Release(tenantID); err != nil {
		slog.Warn("credstore.Purge: close failed", "tenantID", tenantID, "error", err)
	}
	if err := os.RemoveAll(filepath.Dir(s.Path(tenantID))); err != nil {
		return fmt.Errorf("failed to purge credentials for %s: %w", tenantID, err)
	}
	slog.Info("credstore.Purge: credentials removed", "tenantID", tenantID)
	return nil
}

// Close releases every open credential database.
func (s *Store) Close() error {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*handle)
	s.mu.Unlock()

	var errs []error
	for id, h := range handles {
		if err := h.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
