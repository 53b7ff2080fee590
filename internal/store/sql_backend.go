package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SevakBot/internal/models"
)

// eventDateLayout is the layout of events.event_date.
const eventDateLayout = "2006-01-02"

// sqlBackend implements Store over database/sql. SQLiteStore and PostgresStore
// embed it and differ only in driver, migrations and placeholder style.
type sqlBackend struct {
	db      *sql.DB
	dialect string
}

func (s *sqlBackend) q(query string) string {
	if s.dialect == DSNTypePostgres {
		return rebindPostgres(query)
	}
	return query
}

func (s *sqlBackend) GetUserLanguage(ctx context.Context, userID string) (models.Language, error) {
	var lang string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT language FROM bot_users WHERE user_id = ?`), userID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		slog.Error("Store.GetUserLanguage failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to load language for %s: %w", userID, err)
	}
	return models.Language(lang), nil
}

func (s *sqlBackend) SetUser(ctx context.Context, userID, name string, lang models.Language) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO bot_users (user_id, name, language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			name = COALESCE(excluded.name, bot_users.name),
			language = excluded.language,
			updated_at = excluded.updated_at`),
		userID, nilIfEmpty(name), string(lang), now, now)
	if err != nil {
		slog.Error("Store.SetUser failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to save user %s: %w", userID, err)
	}
	slog.Debug("Store.SetUser succeeded", "userID", userID, "language", lang)
	return nil
}

func (s *sqlBackend) SaveComplaint(ctx context.Context, c models.Complaint) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if c.Status == "" {
		c.Status = models.ComplaintStatusPending
	}
	if c.Source == "" {
		c.Source = models.ComplaintSourceWhatsApp
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO complaints (tenant_id, user_id, user_name, problem, status, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		c.TenantID, c.UserID, c.UserName, c.Problem, c.Status, c.Source, c.CreatedAt).Scan(&id)
	if err != nil {
		slog.Error("Store.SaveComplaint failed", "error", err, "tenantID", c.TenantID, "userID", c.UserID)
		return 0, fmt.Errorf("failed to save complaint: %w", err)
	}
	slog.Debug("Store.SaveComplaint succeeded", "id", id, "tenantID", c.TenantID)
	return id, nil
}

func (s *sqlBackend) ListComplaints(ctx context.Context, tenantID string) ([]models.Complaint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, user_id, user_name, problem, status, source, created_at
		FROM complaints WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query complaints: %w", err)
	}
	defer rows.Close()

	var out []models.Complaint
	for rows.Next() {
		var c models.Complaint
		var userName sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.UserID, &userName, &c.Problem, &c.Status, &c.Source, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan complaint row: %w", err)
		}
		c.UserName = userName.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlBackend) SaveLetterRequest(ctx context.Context, l models.LetterRequest) (int64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	if l.Status == "" {
		l.Status = models.ComplaintStatusPending
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO letter_requests (tenant_id, user_id, letter_type, name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		l.TenantID, l.UserID, l.Type, l.Name, l.Status, l.CreatedAt).Scan(&id)
	if err != nil {
		slog.Error("Store.SaveLetterRequest failed", "error", err, "tenantID", l.TenantID, "userID", l.UserID)
		return 0, fmt.Errorf("failed to save letter request: %w", err)
	}
	slog.Debug("Store.SaveLetterRequest succeeded", "id", id, "tenantID", l.TenantID, "type", l.Type)
	return id, nil
}

func (s *sqlBackend) ListLetterRequests(ctx context.Context, tenantID string) ([]models.LetterRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, user_id, letter_type, name, status, created_at
		FROM letter_requests WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query letter requests: %w", err)
	}
	defer rows.Close()

	var out []models.LetterRequest
	for rows.Next() {
		var l models.LetterRequest
		if err := rows.Scan(&l.ID, &l.TenantID, &l.UserID, &l.Type, &l.Name, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan letter request row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlBackend) AddScheme(ctx context.Context, sc models.Scheme) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO schemes (tenant_id, title, description) VALUES (?, ?, ?) RETURNING id`),
		sc.TenantID, sc.Title, sc.Description).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save scheme: %w", err)
	}
	return id, nil
}

func (s *sqlBackend) ListSchemes(ctx context.Context, tenantID string) ([]models.Scheme, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, title, description FROM schemes WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		slog.Error("Store.ListSchemes query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to query schemes: %w", err)
	}
	defer rows.Close()

	var out []models.Scheme
	for rows.Next() {
		var sc models.Scheme
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.Title, &sc.Description); err != nil {
			return nil, fmt.Errorf("failed to scan scheme row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlBackend) SaveEvent(ctx context.Context, e models.Event) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO events (id, tenant_id, title, description, event_date, event_time, location)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			event_date = excluded.event_date,
			event_time = excluded.event_time,
			location = excluded.location`),
		e.ID, e.TenantID, e.Title, e.Description, e.Date, e.Time, e.Location)
	if err != nil {
		slog.Error("Store.SaveEvent failed", "error", err, "eventID", e.ID)
		return fmt.Errorf("failed to save event %s: %w", e.ID, err)
	}
	return nil
}

func (s *sqlBackend) ListUpcomingEvents(ctx context.Context, tenantID string, from time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, tenant_id, title, description, event_date, event_time, location
		FROM events WHERE tenant_id = ? AND event_date >= ?
		ORDER BY event_date, event_time LIMIT ?`),
		tenantID, from.Format(eventDateLayout), limit)
	if err != nil {
		slog.Error("Store.ListUpcomingEvents query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Title, &e.Description, &e.Date, &e.Time, &e.Location); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlBackend) GetEventContent(ctx context.Context, tenantID, eventID string) (models.Event, error) {
	var e models.Event
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, tenant_id, title, description, event_date, event_time, location
		FROM events WHERE tenant_id = ? AND id = ?`), tenantID, eventID).
		Scan(&e.ID, &e.TenantID, &e.Title, &e.Description, &e.Date, &e.Time, &e.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return e, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	return e, nil
}

func (s *sqlBackend) AddContacts(ctx context.Context, tenantID string, list ContactList, contacts []models.Contact) error {
	var table string
	switch list {
	case ListVoters:
		table = "voters"
	case ListNonVoters:
		table = "non_voters"
	default:
		return fmt.Errorf("unknown contact list %q", list)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin contact import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO `+table+` (tenant_id, mobile, name) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare contact import: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		if _, err := stmt.ExecContext(ctx, tenantID, c.Address, nilIfEmpty(c.Name)); err != nil {
			return fmt.Errorf("failed to insert contact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit contact import: %w", err)
	}
	slog.Debug("Store.AddContacts succeeded", "tenantID", tenantID, "list", list, "count", len(contacts))
	return nil
}

func (s *sqlBackend) listContacts(ctx context.Context, table, tenantID string) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT mobile, name FROM `+table+` WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []models.Contact
	for rows.Next() {
		var c models.Contact
		var name sql.NullString
		if err := rows.Scan(&c.Address, &name); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		c.Name = name.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetEventRecipients returns the tenant's voters and non-voters. Every event
// of a tenant goes to the same audience.
func (s *sqlBackend) GetEventRecipients(ctx context.Context, tenantID, eventID string) ([]models.Contact, []models.Contact, error) {
	primary, err := s.listContacts(ctx, "voters", tenantID)
	if err != nil {
		slog.Error("Store.GetEventRecipients voters failed", "error", err, "tenantID", tenantID, "eventID", eventID)
		return nil, nil, err
	}
	secondary, err := s.listContacts(ctx, "non_voters", tenantID)
	if err != nil {
		slog.Error("Store.GetEventRecipients non-voters failed", "error", err, "tenantID", tenantID, "eventID", eventID)
		return nil, nil, err
	}
	return primary, secondary, nil
}

func (s *sqlBackend) SavePoll(ctx context.Context, p models.Poll) error {
	options, err := encodeOptions(p.Options)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO polls (message_id, tenant_id, question, options, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		p.MessageID, p.TenantID, p.Question, options, p.CreatedAt)
	if err != nil {
		slog.Error("Store.SavePoll failed", "error", err, "messageID", p.MessageID)
		return fmt.Errorf("failed to save poll %s: %w", p.MessageID, err)
	}
	return nil
}

func (s *sqlBackend) GetPoll(ctx context.Context, messageID string) (models.Poll, error) {
	var p models.Poll
	var options string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT message_id, tenant_id, question, options, created_at FROM polls WHERE message_id = ?`), messageID).
		Scan(&p.MessageID, &p.TenantID, &p.Question, &options, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("poll %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load poll %s: %w", messageID, err)
	}
	if p.Options, err = decodeOptions(options); err != nil {
		return p, err
	}
	return p, nil
}

func (s *sqlBackend) RecordInbound(ctx context.Context, messageKey, senderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageKey, senderID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlBackend) MarkProcessed(ctx context.Context, messageKey string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now(), messageKey)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlBackend) Close() error {
	slog.Debug("Closing database connection", "dialect", s.dialect)
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close database", "error", err, "dialect", s.dialect)
		return err
	}
	return nil
}
