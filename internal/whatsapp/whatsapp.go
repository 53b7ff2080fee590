// Package whatsapp wraps the Whatsmeow client for SevakBot.
//
// It implements the session package's Dialer and Conn on top of whatsmeow:
// one client per tenant, QR login, event translation and message sending.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/session"
)

// JIDSuffix is the WhatsApp JID server for regular users
const JIDSuffix = types.DefaultUserServer

var (
	// ErrEmptyRecipient is returned when no recipient is given.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	// ErrInvalidRecipient is returned for addresses that are neither a JID nor a phone number.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// DeviceSource provides and releases per-tenant device credentials.
type DeviceSource interface {
	Open(ctx context.Context, tenantID string) (*store.Device, error)
	Release(tenantID string) error
}

// Opts holds configuration options for the WhatsApp dialer.
type Opts struct {
	QRDir      string // directory to write per-tenant login QR codes
	TerminalQR bool   // render login QR codes on stdout
	LogLevel   string // whatsmeow client log level
}

// Option defines a configuration option for the WhatsApp dialer.
type Option func(*Opts)

// WithQRCodeOutput writes each tenant's current login QR code to dir/<tenant>.qr.txt.
func WithQRCodeOutput(dir string) Option {
	return func(o *Opts) {
		o.QRDir = dir
	}
}

// WithTerminalQR renders login QR codes on stdout.
func WithTerminalQR() Option {
	return func(o *Opts) {
		o.TerminalQR = true
	}
}

// WithClientLogLevel sets whatsmeow's client log level.
func WithClientLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

// Dialer creates whatsmeow-backed connections.
type Dialer struct {
	devices DeviceSource
	cfg     Opts
}

var _ session.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer that loads credentials from devices.
func NewDialer(devices DeviceSource, opts ...Option) *Dialer {
	cfg := Opts{LogLevel: "WARN"}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewDialer options set", "QRDir_set", cfg.QRDir != "", "TerminalQR", cfg.TerminalQR, "LogLevel", cfg.LogLevel)
	return &Dialer{devices: devices, cfg: cfg}
}

// Dial builds a client for the tenant. Nothing touches the network until Connect.
func (d *Dialer) Dial(ctx context.Context, tenantID string, sink session.EventSink) (session.Conn, error) {
	device, err := d.devices.Open(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load WhatsApp device for %s: %w", tenantID, err)
	}
	cli := whatsmeow.NewClient(device, waLog.Stdout("Client/"+tenantID, d.cfg.LogLevel, true))
	// Reconnects are owned by the session manager.
	cli.EnableAutoReconnect = false

	life, cancel := context.WithCancel(context.Background())
	c := &Conn{
		tenantID: tenantID,
		client:   cli,
		sink:     sink,
		devices:  d.devices,
		cfg:      d.cfg,
		life:     life,
		cancel:   cancel,
	}
	c.handlerID = cli.AddEventHandler(c.handleEvent)
	slog.Debug("whatsapp.Dial: client created", "tenantID", tenantID, "paired", device.ID != nil)
	return c, nil
}

// Conn is one tenant's whatsmeow client.
type Conn struct {
	tenantID  string
	client    *whatsmeow.Client
	sink      session.EventSink
	devices   DeviceSource
	cfg       Opts
	handlerID uint32

	life   context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ session.Conn = (*Conn)(nil)

// Connect opens the websocket. Unpaired devices start the QR login flow,
// whose codes are reported through the sink.
func (c *Conn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow", "tenantID", c.tenantID)
		qrChan, err := c.client.GetQRChannel(c.life)
		if err != nil {
			return fmt.Errorf("failed to start QR login for %s: %w", c.tenantID, err)
		}
		go c.watchQR(qrChan)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.client.Connect() }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to connect to WhatsApp for %s: %w", c.tenantID, err)
		}
		return nil
	case <-ctx.Done():
		c.client.Disconnect()
		return ctx.Err()
	}
}

func (c *Conn) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for evt := range ch {
		switch evt.Event {
		case "code":
			c.sink.OnQR(evt.Code)
			c.renderQR(evt.Code)
		case "success":
			slog.Info("WhatsApp QR login succeeded", "tenantID", c.tenantID)
			c.sink.OnPaired()
		case "timeout":
			slog.Warn("WhatsApp QR login timed out", "tenantID", c.tenantID)
			c.sink.OnDisconnected(session.CauseLoginTimeout)
		default:
			slog.Warn("WhatsApp QR login event", "tenantID", c.tenantID, "event", evt.Event, "error", evt.Error)
			c.sink.OnDisconnected(session.CauseDialFailed)
		}
	}
}

func (c *Conn) renderQR(code string) {
	if c.cfg.TerminalQR {
		fmt.Fprintf(os.Stdout, "Scan to link tenant %s:\n", c.tenantID)
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}
	if c.cfg.QRDir == "" {
		return
	}
	path := filepath.Join(c.cfg.QRDir, c.tenantID+".qr.txt")
	f, err := os.Create(path)
	if err != nil {
		slog.Error("Failed to create QR file", "tenantID", c.tenantID, "error", err)
		return
	}
	defer f.Close()
	writeQR(f, code)
}

func writeQR(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

func (c *Conn) handleEvent(evt interface{}) {
	if c.life.Err() != nil {
		return
	}
	switch v := evt.(type) {
	case *events.Connected:
		c.sink.OnConnected()
	case *events.PairSuccess:
		slog.Info("WhatsApp device paired", "tenantID", c.tenantID, "jid", v.ID.String(), "platform", v.Platform)
	case *events.Message:
		if env, ok := c.envelope(v); ok {
			c.sink.OnMessage(env)
		}
	default:
		if cause, ok := disconnectCause(evt); ok {
			c.sink.OnDisconnected(cause)
		}
	}
}

// disconnectCause maps whatsmeow connection events to a DisconnectCause.
func disconnectCause(evt interface{}) (session.DisconnectCause, bool) {
	switch v := evt.(type) {
	case *events.LoggedOut:
		return session.CauseLoggedOut, true
	case *events.StreamReplaced:
		return session.CauseReplaced, true
	case *events.TemporaryBan:
		return session.CauseBanned, true
	case *events.ClientOutdated:
		return session.CauseClientOutdated, true
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return session.CauseLoggedOut, true
		}
		return session.CauseDialFailed, true
	case *events.Disconnected:
		return session.CauseTransient, true
	default:
		return 0, false
	}
}

func (c *Conn) envelope(v *events.Message) (models.InboundEnvelope, bool) {
	env := envelopeFromInfo(v.Info)
	env.Text = messageText(v.Message)

	if pu := v.Message.GetPollUpdateMessage(); pu != nil {
		vote, err := c.client.DecryptPollVote(c.life, v)
		if err != nil {
			slog.Warn("Failed to decrypt poll vote", "tenantID", c.tenantID, "messageID", v.Info.ID, "error", err)
			return env, false
		}
		env.Vote = &models.PollVote{
			PollMessageID:  pu.GetPollCreationMessageKey().GetID(),
			SelectedHashes: vote.GetSelectedOptions(),
		}
	}
	return env, true
}

func envelopeFromInfo(info types.MessageInfo) models.InboundEnvelope {
	return models.InboundEnvelope{
		MessageID: info.ID,
		ChatID:    info.Chat.String(),
		SenderID:  info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup || info.Chat.Server == types.BroadcastServer || info.Chat.Server == types.NewsletterServer,
		Timestamp: info.Timestamp,
	}
}

// messageText returns the text of a plain or extended text message.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// ParseRecipient turns a full JID or a phone number into a JID.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, ErrEmptyRecipient
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		return jid, nil
	}
	user := strings.TrimPrefix(to, "+")
	if user == "" {
		return types.JID{}, ErrEmptyRecipient
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
		}
	}
	return types.NewJID(user, JIDSuffix), nil
}

// SendText sends a plain text message.
func (c *Conn) SendText(ctx context.Context, to, body string) (string, error) {
	if body == "" {
		return "", models.ErrEmptyBody
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return resp.ID, nil
}

// SendPoll sends a single-choice poll and returns its message id.
func (c *Conn) SendPoll(ctx context.Context, to, question string, options []string) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	msg := c.client.BuildPollCreation(question, options, 1)
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send poll to %s: %w", to, err)
	}
	return resp.ID, nil
}

// Logout unlinks this device from the tenant's WhatsApp account.
func (c *Conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// Close disconnects and releases the tenant's credential database. It may be
// called from inside an event handler.
func (c *Conn) Close() {
	c.once.Do(func() {
		// The dispatcher holds the handler lock while a handler runs.
		go c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
		c.cancel()
		if err := c.devices.Release(c.tenantID); err != nil {
			slog.Warn("Failed to release WhatsApp device store", "tenantID", c.tenantID, "error", err)
		}
	})
}
