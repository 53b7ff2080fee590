// Package inbound turns raw platform envelopes into the plain messages the
// conversation engine understands.
package inbound

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow"

	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/session"
	"github.com/BTreeMap/SevakBot/internal/store"
)

// Message is one normalized inbound message.
type Message struct {
	TenantID    string
	UserID      string
	DisplayName string
	Text        string
	// FromPoll is set when Text is a language code resolved from a poll vote.
	FromPoll bool
}

// PollSource looks up poll definitions by the message id of the poll.
type PollSource interface {
	GetPoll(ctx context.Context, messageID string) (models.Poll, error)
}

// Consumer handles normalized messages.
type Consumer interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, msg Message) error

func (f ConsumerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Normalizer filters and converts raw envelopes and hands the result to a Consumer.
type Normalizer struct {
	polls    PollSource
	dedup    store.DedupRepo
	consumer Consumer
}

var _ session.InboundHandler = (*Normalizer)(nil)

// NewNormalizer creates a Normalizer. dedup may be nil to disable redelivery checks.
func NewNormalizer(polls PollSource, dedup store.DedupRepo, consumer Consumer) *Normalizer {
	return &Normalizer{polls: polls, dedup: dedup, consumer: consumer}
}

// dedupKey scopes platform message ids to their tenant.
func dedupKey(env models.InboundEnvelope) string {
	return env.TenantID + ":" + env.MessageID
}

// HandleInbound normalizes env and passes it on. Consumer errors are logged;
// the message is marked processed either way since the consumer has already
// replied or apologized.
func (n *Normalizer) HandleInbound(ctx context.Context, env models.InboundEnvelope) {
	msg, ok := n.Normalize(ctx, env)
	if !ok {
		return
	}
	if err := n.consumer.HandleMessage(ctx, msg); err != nil {
		slog.Error("Normalizer.HandleInbound: consumer failed", "tenantID", msg.TenantID, "userID", msg.UserID, "error", err)
	}
	if n.dedup != nil && env.MessageID != "" {
		if err := n.dedup.MarkProcessed(ctx, dedupKey(env)); err != nil {
			slog.Warn("Normalizer.HandleInbound: failed to mark processed", "messageID", env.MessageID, "error", err)
		}
	}
}

// Normalize applies the filtering rules and returns the message to process,
// or false if env should be dropped.
func (n *Normalizer) Normalize(ctx context.Context, env models.InboundEnvelope) (Message, bool) {
	if env.FromMe || env.IsGroup {
		return Message{}, false
	}
	if n.dedup != nil && env.MessageID != "" {
		fresh, err := n.dedup.RecordInbound(ctx, dedupKey(env), env.SenderID)
		if err != nil {
			// A broken dedup table must not silence the bot.
			slog.Warn("Normalizer.Normalize: dedup check failed, processing anyway", "messageID", env.MessageID, "error", err)
		} else if !fresh {
			slog.Debug("Normalizer.Normalize: duplicate message dropped", "tenantID", env.TenantID, "messageID", env.MessageID)
			return Message{}, false
		}
	}

	msg := Message{
		TenantID:    env.TenantID,
		UserID:      env.SenderID,
		DisplayName: env.PushName,
	}

	if env.Vote != nil {
		lang, ok := n.resolveVote(ctx, env)
		if !ok {
			return Message{}, false
		}
		msg.Text = string(lang)
		msg.FromPoll = true
		return msg, true
	}

	text := strings.TrimSpace(env.Text)
	if text == "" {
		return Message{}, false
	}
	msg.Text = text
	return msg, true
}

func (n *Normalizer) resolveVote(ctx context.Context, env models.InboundEnvelope) (models.Language, bool) {
	poll, err := n.polls.GetPoll(ctx, env.Vote.PollMessageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Normalizer: poll lookup failed", "pollID", env.Vote.PollMessageID, "error", err)
		}
		return "", false
	}
	if poll.TenantID != "" && poll.TenantID != env.TenantID {
		return "", false
	}
	label, ok := selectedOption(poll.Options, env.Vote.SelectedHashes)
	if !ok {
		return "", false
	}
	lang, ok := LanguageFromLabel(label)
	if !ok {
		slog.Debug("Normalizer: vote for option without a language", "label", label)
	}
	return lang, ok
}

// selectedOption returns the first option, in definition order, whose hash
// appears in the voter's selection.
func selectedOption(options []string, selected [][]byte) (string, bool) {
	hashes := whatsmeow.HashPollOptions(options)
	for i, h := range hashes {
		for _, s := range selected {
			if bytes.Equal(h, s) {
				return options[i], true
			}
		}
	}
	return "", false
}

// LanguageFromLabel maps a language poll option label to a language code.
func LanguageFromLabel(label string) (models.Language, bool) {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "english"):
		return models.LangEnglish, true
	case strings.Contains(lower, "marathi"), strings.Contains(label, "मराठी"):
		return models.LangMarathi, true
	case strings.Contains(lower, "hindi"), strings.Contains(label, "हिंदी"):
		return models.LangHindi, true
	default:
		return "", false
	}
}
