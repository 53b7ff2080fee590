package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SevakBot/internal/models"
)

// InMemoryStore is a Store kept entirely in process memory. It is used in
// tests and for running without a database.
type InMemoryStore struct {
	mu         sync.RWMutex
	users      map[string]memUser
	complaints []models.Complaint
	letters    []models.LetterRequest
	schemes    []models.Scheme
	events     map[string]models.Event
	contacts   map[ContactList]map[string][]models.Contact
	polls      map[string]models.Poll
	dedup      map[string]*DedupRecord
	nextID     int64
	nextLetter int64
}

type memUser struct {
	name string
	lang models.Language
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:  make(map[string]memUser),
		events: make(map[string]models.Event),
		contacts: map[ContactList]map[string][]models.Contact{
			ListVoters:    {},
			ListNonVoters: {},
		},
		polls: make(map[string]models.Poll),
		dedup: make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) GetUserLanguage(ctx context.Context, userID string) (models.Language, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].lang, nil
}

func (s *InMemoryStore) SetUser(ctx context.Context, userID, name string, lang models.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	if name != "" {
		u.name = name
	}
	u.lang = lang
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) SaveComplaint(ctx context.Context, c models.Complaint) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	if c.Status == "" {
		c.Status = models.ComplaintStatusPending
	}
	if c.Source == "" {
		c.Source = models.ComplaintSourceWhatsApp
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.complaints = append(s.complaints, c)
	return c.ID, nil
}

func (s *InMemoryStore) ListComplaints(ctx context.Context, tenantID string) ([]models.Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Complaint
	for _, c := range s.complaints {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveLetterRequest(ctx context.Context, l models.LetterRequest) (int64, error) {
	if err := l.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLetter++
	l.ID = s.nextLetter
	if l.Status == "" {
		l.Status = models.ComplaintStatusPending
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.letters = append(s.letters, l)
	return l.ID, nil
}

func (s *InMemoryStore) ListLetterRequests(ctx context.Context, tenantID string) ([]models.LetterRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LetterRequest
	for _, l := range s.letters {
		if l.TenantID == tenantID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AddScheme(ctx context.Context, sc models.Scheme) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sc.ID = s.nextID
	s.schemes = append(s.schemes, sc)
	return sc.ID, nil
}

func (s *InMemoryStore) ListSchemes(ctx context.Context, tenantID string) ([]models.Scheme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Scheme
	for _, sc := range s.schemes {
		if sc.TenantID == tenantID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveEvent(ctx context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return nil
}

func (s *InMemoryStore) ListUpcomingEvents(ctx context.Context, tenantID string, from time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 5
	}
	cutoff := from.Format(eventDateLayout)
	s.mu.RLock()
	var out []models.Event
	for _, e := range s.events {
		if e.TenantID == tenantID && e.Date >= cutoff {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetEventContent(ctx context.Context, tenantID, eventID string) (models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventID]
	if !ok || e.TenantID != tenantID {
		return models.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return e, nil
}

func (s *InMemoryStore) AddContacts(ctx context.Context, tenantID string, list ContactList, contacts []models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTenant, ok := s.contacts[list]
	if !ok {
		return fmt.Errorf("unknown contact list %q", list)
	}
	byTenant[tenantID] = append(byTenant[tenantID], contacts...)
	return nil
}

func (s *InMemoryStore) GetEventRecipients(ctx context.Context, tenantID, eventID string) ([]models.Contact, []models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	primary := append([]models.Contact(nil), s.contacts[ListVoters][tenantID]...)
	secondary := append([]models.Contact(nil), s.contacts[ListNonVoters][tenantID]...)
	return primary, secondary, nil
}

func (s *InMemoryStore) SavePoll(ctx context.Context, p models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.polls[p.MessageID]; exists {
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Options = append([]string(nil), p.Options...)
	s.polls[p.MessageID] = p
	return nil
}

func (s *InMemoryStore) GetPoll(ctx context.Context, messageID string) (models.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.polls[messageID]
	if !ok {
		return models.Poll{}, fmt.Errorf("poll %s: %w", messageID, ErrNotFound)
	}
	return p, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageKey, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageKey]; ok {
		return false, nil
	}
	s.dedup[messageKey] = &DedupRecord{MessageID: messageKey, SenderID: senderID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageKey]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
