// Package models defines the core data structures for SevakBot.
//
// It includes the tenant session states, the records kept by the data store,
// and the JSON envelope returned by the HTTP API, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of one tenant's WhatsApp session.
type ConnectionState string

const (
	// StateDisconnected means no connection attempt is in flight.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a dial or post-pairing handshake is in flight.
	StateConnecting ConnectionState = "connecting"
	// StateAwaitingScan means a login QR code is waiting to be scanned.
	StateAwaitingScan ConnectionState = "awaiting_scan"
	// StateConnected means the session can send and receive.
	StateConnected ConnectionState = "connected"
	// StateNeedsIntervention means the reconnect budget is exhausted.
	StateNeedsIntervention ConnectionState = "needs_intervention"
)

// IsActive reports whether a connect request should be ignored in this state.
func (s ConnectionState) IsActive() bool {
	switch s {
	case StateConnecting, StateAwaitingScan, StateConnected:
		return true
	default:
		return false
	}
}

// Language is a user's preferred language code.
type Language string

const (
	LangEnglish Language = "en"
	LangMarathi Language = "mr"
	LangHindi   Language = "hi"
)

// IsValidLanguage checks if the given language is supported.
func IsValidLanguage(l Language) bool {
	switch l {
	case LangEnglish, LangMarathi, LangHindi:
		return true
	default:
		return false
	}
}

// Complaint statuses and sources.
const (
	ComplaintStatusPending = "Pending"
	ComplaintSourceWhatsApp = "WhatsApp"
)

// Validation limits
const (
	// MaxMessageBodyLength defines the maximum allowed length for an outbound message body
	MaxMessageBodyLength = 4096
	// MinRecipientLength is the shortest raw address a broadcast will consider
	MinRecipientLength = 10
)

var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyBody          = errors.New("body cannot be empty")
	ErrBodyTooLong        = errors.New("body exceeds maximum length")
	ErrEmptyTenantID      = errors.New("tenant id cannot be empty")
	ErrEmptyComplaintText = errors.New("complaint text cannot be empty")
	ErrEmptyLetterName    = errors.New("letter name cannot be empty")
)

// Complaint is one problem report collected through the intake form.
type Complaint struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Problem   string    `json:"problem"`
	Status    string    `json:"status"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that a complaint carries everything the store needs.
func (c Complaint) Validate() error {
	if c.TenantID == "" {
		return ErrEmptyTenantID
	}
	if c.UserID == "" {
		return ErrEmptyRecipient
	}
	if strings.TrimSpace(c.Problem) == "" {
		return ErrEmptyComplaintText
	}
	return nil
}

// Letter types a constituent can request.
const (
	LetterResidential = "Residential"
	LetterCharacter   = "Character"
	LetterNOC         = "NOC"
)

// ErrUnknownLetterType is returned for a letter request of an unsupported type.
var ErrUnknownLetterType = errors.New("unknown letter type")

// LetterRequest asks the office to issue a certificate in the given name.
type LetterRequest struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that a letter request carries everything the store needs.
func (l LetterRequest) Validate() error {
	if l.TenantID == "" {
		return ErrEmptyTenantID
	}
	if l.UserID == "" {
		return ErrEmptyRecipient
	}
	switch l.Type {
	case LetterResidential, LetterCharacter, LetterNOC:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLetterType, l.Type)
	}
	if strings.TrimSpace(l.Name) == "" {
		return ErrEmptyLetterName
	}
	return nil
}

// Scheme is a government or local scheme a tenant advertises.
type Scheme struct {
	ID          int64  `json:"id"`
	TenantID    string `json:"tenant_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Event is a campaign event announced to constituents.
type Event struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"event_date"`
	Time        string `json:"event_time"`
	Location    string `json:"location"`
}

// Contact is one raw entry from a tenant's recipient lists.
type Contact struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Poll is the definition of a single-choice poll sent to a user, kept so
// that later votes can be mapped back to option labels.
type Poll struct {
	MessageID string    `json:"message_id"`
	TenantID  string    `json:"tenant_id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	CreatedAt time.Time `json:"created_at"`
}

// PollVote is a decrypted vote as delivered by the platform adapter.
type PollVote struct {
	PollMessageID  string   `json:"poll_message_id"`
	SelectedHashes [][]byte `json:"selected_hashes"`
}

// InboundEnvelope is a raw inbound event from one tenant connection, before normalization.
type InboundEnvelope struct {
	TenantID  string    `json:"tenant_id"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	PushName  string    `json:"push_name"`
	FromMe    bool      `json:"from_me"`
	IsGroup   bool      `json:"is_group"`
	Text      string    `json:"text,omitempty"`
	Vote      *PollVote `json:"vote,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusKind distinguishes status-channel events.
type StatusKind string

const (
	StatusKindState StatusKind = "status"
	StatusKindQR    StatusKind = "qr"
)

// StatusEvent is one item published on the status channel.
type StatusEvent struct {
	TenantID string          `json:"tenant_id"`
	Kind     StatusKind      `json:"kind"`
	State    ConnectionState `json:"state,omitempty"`
	QR       string          `json:"qr,omitempty"`
	Time     time.Time       `json:"time"`
}

// SessionInfo is a point-in-time snapshot of one tenant session.
type SessionInfo struct {
	TenantID  string          `json:"tenant_id"`
	State     ConnectionState `json:"state"`
	HasQR     bool            `json:"has_qr"`
	Attempts  int             `json:"reconnect_attempts"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK       APIStatus = "ok"
	APIStatusError    APIStatus = "error"
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Accepted creates a response for work that continues in the background.
func Accepted(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithResult creates an error API response that still carries a result payload.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}
