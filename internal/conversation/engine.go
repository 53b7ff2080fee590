// Package conversation implements the per-user conversation state machine:
// language onboarding, the main menu, the complaint intake form and letter
// requests.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SevakBot/internal/inbound"
	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/tenantcfg"
)

// DefaultEventsLimit is how many upcoming events the menu lists.
const DefaultEventsLimit = 5

// Sender delivers replies through a tenant's connection.
type Sender interface {
	Send(ctx context.Context, tenantID, to, body string) error
	SendPoll(ctx context.Context, tenantID, to, question string, options []string) (string, error)
}

// Store is the data the engine reads and writes.
type Store interface {
	GetUserLanguage(ctx context.Context, userID string) (models.Language, error)
	SetUser(ctx context.Context, userID, name string, lang models.Language) error
	SaveComplaint(ctx context.Context, c models.Complaint) (int64, error)
	SaveLetterRequest(ctx context.Context, l models.LetterRequest) (int64, error)
	ListSchemes(ctx context.Context, tenantID string) ([]models.Scheme, error)
	ListUpcomingEvents(ctx context.Context, tenantID string, from time.Time, limit int) ([]models.Event, error)
}

// Answerer answers free-form questions. It always returns text.
type Answerer interface {
	Answer(ctx context.Context, question, context string) string
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Registry *Registry
	Profiles *tenantcfg.Set
	Answerer Answerer
	Now      func() time.Time
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithRegistry sets the state registry. A fresh one is created otherwise.
func WithRegistry(r *Registry) Option {
	return func(o *Opts) {
		o.Registry = r
	}
}

// WithProfiles sets the tenant profiles used for menus and candidate info.
func WithProfiles(p *tenantcfg.Set) Option {
	return func(o *Opts) {
		o.Profiles = p
	}
}

// WithAnswerer enables the "ask a question" menu entry.
func WithAnswerer(a Answerer) Option {
	return func(o *Opts) {
		o.Answerer = a
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Engine routes normalized messages through the conversation state machine.
type Engine struct {
	sender Sender
	store  Store
	opts   Opts
}

var _ inbound.Consumer = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(sender Sender, st Store, opts ...Option) *Engine {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Engine{sender: sender, store: st, opts: cfg}
}

// Registry returns the engine's state registry.
func (e *Engine) Registry() *Registry {
	return e.opts.Registry
}

var resetKeywords = map[string]bool{
	"reset": true, "cancel": true, "menu": true, "start": true,
	"hi": true, "hello": true, "hey": true, "namaste": true, "नमस्कार": true,
}

// IsResetKeyword reports whether input returns the user to the main menu.
func IsResetKeyword(input string) bool {
	return resetKeywords[strings.ToLower(strings.TrimSpace(input))]
}

// turn is the outcome of handling one message: the replies to send and the
// state to commit.
type turn struct {
	next    State
	replies []string
	poll    bool
}

// HandleMessage processes one message from a user. State changes are
// committed only when every data store call for the message succeeded; on a
// store failure the user gets an apology and the state is left as it was.
func (e *Engine) HandleMessage(ctx context.Context, msg inbound.Message) error {
	entry := e.opts.Registry.lock(msg.UserID)
	defer entry.mu.Unlock()

	if !entry.loaded {
		lang, err := e.store.GetUserLanguage(ctx, msg.UserID)
		if err != nil {
			e.apologize(ctx, msg, "")
			return fmt.Errorf("failed to load language for %s: %w", msg.UserID, err)
		}
		entry.state.Language = lang
		entry.loaded = true
	}

	cur := entry.state.clone()
	var (
		t   turn
		err error
	)
	if cur.Language == "" {
		t, err = e.onboard(ctx, msg, cur, entry.prompted)
	} else {
		t, err = e.step(ctx, msg, cur)
	}
	if err != nil {
		slog.Error("Engine.HandleMessage: downstream failure", "tenantID", msg.TenantID, "userID", msg.UserID, "step", cur.Step, "error", err)
		e.apologize(ctx, msg, cur.Language)
		return err
	}

	entry.state = t.next
	if t.poll {
		entry.prompted = true
		e.sendLanguagePoll(ctx, msg)
	}
	return e.reply(ctx, msg, t.replies)
}

func (e *Engine) reply(ctx context.Context, msg inbound.Message, replies []string) error {
	for _, body := range replies {
		if err := e.sender.Send(ctx, msg.TenantID, msg.UserID, body); err != nil {
			slog.Error("Engine.reply: send failed", "tenantID", msg.TenantID, "userID", msg.UserID, "error", err)
			return fmt.Errorf("failed to reply to %s: %w", msg.UserID, err)
		}
	}
	return nil
}

func (e *Engine) apologize(ctx context.Context, msg inbound.Message, lang models.Language) {
	if err := e.sender.Send(ctx, msg.TenantID, msg.UserID, text(lang, msgApology)); err != nil {
		slog.Warn("Engine.apologize: send failed", "tenantID", msg.TenantID, "userID", msg.UserID, "error", err)
	}
}

// sendLanguagePoll asks for a language with a poll, falling back to a
// numbered text prompt when the poll cannot be sent.
func (e *Engine) sendLanguagePoll(ctx context.Context, msg inbound.Message) {
	if _, err := e.sender.SendPoll(ctx, msg.TenantID, msg.UserID, LanguagePollQuestion, LanguagePollOptions); err != nil {
		slog.Warn("Engine: language poll failed, sending text prompt", "tenantID", msg.TenantID, "userID", msg.UserID, "error", err)
		if err := e.sender.Send(ctx, msg.TenantID, msg.UserID, text(models.LangEnglish, msgLanguagePrompt)); err != nil {
			slog.Error("Engine: language prompt failed", "tenantID", msg.TenantID, "userID", msg.UserID, "error", err)
		}
	}
}

// parseLanguage recognizes a language choice. A typed "hi" is a greeting;
// the code only counts when it comes from a poll vote.
func parseLanguage(msg inbound.Message) (models.Language, bool) {
	input := strings.ToLower(strings.TrimSpace(msg.Text))
	switch input {
	case "1", "english", "en":
		return models.LangEnglish, true
	case "2", "मराठी", "marathi", "mr":
		return models.LangMarathi, true
	case "3", "हिंदी", "hindi":
		return models.LangHindi, true
	case "hi":
		return models.LangHindi, msg.FromPoll
	default:
		return "", false
	}
}

// onboard handles a message from a user with no language. It never changes
// the step. The first message gets the language prompt unless it is a poll
// vote.
func (e *Engine) onboard(ctx context.Context, msg inbound.Message, cur State, prompted bool) (turn, error) {
	if !prompted && !msg.FromPoll {
		return turn{next: cur, poll: true}, nil
	}
	lang, ok := parseLanguage(msg)
	if !ok {
		return turn{next: cur, poll: true}, nil
	}
	if err := e.store.SetUser(ctx, msg.UserID, msg.DisplayName, lang); err != nil {
		return turn{}, fmt.Errorf("failed to save language: %w", err)
	}
	next := cur
	next.Language = lang
	slog.Info("Engine: user onboarded", "tenantID", msg.TenantID, "userID", msg.UserID, "language", lang)
	return turn{next: next, replies: []string{text(lang, msgLanguageSelected), e.menu(msg.TenantID, lang)}}, nil
}

func (e *Engine) menu(tenantID string, lang models.Language) string {
	var b strings.Builder
	b.WriteString(text(lang, msgMenu, e.opts.Profiles.Profile(tenantID).Name))
	if e.opts.Answerer != nil {
		b.WriteString(text(lang, msgMenuQuestion))
	}
	b.WriteString(text(lang, msgMenuFooter))
	return b.String()
}

// parseLetterType maps the A/B/C reply to a letter type.
func parseLetterType(input string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "a":
		return models.LetterResidential, true
	case "b":
		return models.LetterCharacter, true
	case "c":
		return models.LetterNOC, true
	default:
		return "", false
	}
}

func (e *Engine) step(ctx context.Context, msg inbound.Message, cur State) (turn, error) {
	lang := cur.Language
	if IsResetKeyword(msg.Text) {
		return turn{next: cur.idle(), replies: []string{e.menu(msg.TenantID, lang)}}, nil
	}

	switch cur.Step {
	case StepCollectingName:
		next := cur
		if next.Scratch == nil {
			next.Scratch = make(map[string]string)
		}
		next.Scratch[scratchName] = msg.Text
		next.Step = StepCollectingProblem
		return turn{next: next, replies: []string{text(lang, msgProblemPrompt)}}, nil

	case StepCollectingProblem:
		c := models.Complaint{
			TenantID:  msg.TenantID,
			UserID:    msg.UserID,
			UserName:  cur.Scratch[scratchName],
			Problem:   msg.Text,
			Status:    models.ComplaintStatusPending,
			Source:    models.ComplaintSourceWhatsApp,
			CreatedAt: e.opts.Now(),
		}
		id, err := e.store.SaveComplaint(ctx, c)
		if err != nil {
			return turn{}, fmt.Errorf("failed to save complaint: %w", err)
		}
		slog.Info("Engine: complaint registered", "tenantID", msg.TenantID, "userID", msg.UserID, "ticket", id)
		return turn{next: cur.idle(), replies: []string{text(lang, msgComplaintSaved, id), e.menu(msg.TenantID, lang)}}, nil

	case StepCollectingLetterType:
		letterType, ok := parseLetterType(msg.Text)
		if !ok {
			return turn{next: cur, replies: []string{text(lang, msgLetterTypeInvalid)}}, nil
		}
		next := cur
		if next.Scratch == nil {
			next.Scratch = make(map[string]string)
		}
		next.Scratch[scratchLetterType] = letterType
		next.Step = StepCollectingLetterName
		return turn{next: next, replies: []string{text(lang, msgLetterNamePrompt, letterType)}}, nil

	case StepCollectingLetterName:
		l := models.LetterRequest{
			TenantID:  msg.TenantID,
			UserID:    msg.UserID,
			Type:      cur.Scratch[scratchLetterType],
			Name:      msg.Text,
			Status:    models.ComplaintStatusPending,
			CreatedAt: e.opts.Now(),
		}
		id, err := e.store.SaveLetterRequest(ctx, l)
		if err != nil {
			return turn{}, fmt.Errorf("failed to save letter request: %w", err)
		}
		slog.Info("Engine: letter requested", "tenantID", msg.TenantID, "userID", msg.UserID, "type", l.Type, "reference", id)
		return turn{next: cur.idle(), replies: []string{text(lang, msgLetterSaved, l.Type, id), e.menu(msg.TenantID, lang)}}, nil

	case StepCollectingQuestion:
		background, err := e.answerContext(ctx, msg.TenantID)
		if err != nil {
			return turn{}, err
		}
		answer := e.opts.Answerer.Answer(ctx, msg.Text, background)
		return turn{next: cur.idle(), replies: []string{answer, e.menu(msg.TenantID, lang)}}, nil
	}

	return e.idle(ctx, msg, cur)
}

func (e *Engine) idle(ctx context.Context, msg inbound.Message, cur State) (turn, error) {
	lang := cur.Language
	switch strings.TrimSpace(msg.Text) {
	case "1":
		next := cur.idle()
		next.Step = StepCollectingName
		next.Scratch = make(map[string]string)
		return turn{next: next, replies: []string{text(lang, msgNamePrompt)}}, nil
	case "2":
		return turn{next: cur, replies: []string{e.candidateInfo(msg.TenantID, lang)}}, nil
	case "3":
		schemes, err := e.store.ListSchemes(ctx, msg.TenantID)
		if err != nil {
			return turn{}, fmt.Errorf("failed to list schemes: %w", err)
		}
		return turn{next: cur, replies: []string{formatSchemes(lang, schemes)}}, nil
	case "4":
		evs, err := e.store.ListUpcomingEvents(ctx, msg.TenantID, e.opts.Now(), DefaultEventsLimit)
		if err != nil {
			return turn{}, fmt.Errorf("failed to list events: %w", err)
		}
		return turn{next: cur, replies: []string{formatEvents(lang, evs)}}, nil
	case "5":
		next := cur.idle()
		next.Step = StepCollectingLetterType
		next.Scratch = make(map[string]string)
		return turn{next: next, replies: []string{text(lang, msgLetterTypePrompt)}}, nil
	case "6":
		if e.opts.Answerer != nil {
			next := cur.idle()
			next.Step = StepCollectingQuestion
			next.Scratch = make(map[string]string)
			return turn{next: next, replies: []string{text(lang, msgQuestionPrompt)}}, nil
		}
	}
	return turn{next: cur.idle(), replies: []string{e.menu(msg.TenantID, lang)}}, nil
}

func (e *Engine) candidateInfo(tenantID string, lang models.Language) string {
	info := strings.TrimSpace(e.opts.Profiles.Profile(tenantID).CandidateInfo)
	if info == "" {
		info = text(lang, msgCandidateMissing)
	}
	return text(lang, msgCandidateHeader) + info
}

func formatSchemes(lang models.Language, schemes []models.Scheme) string {
	if len(schemes) == 0 {
		return text(lang, msgSchemesEmpty)
	}
	var b strings.Builder
	b.WriteString(text(lang, msgSchemesHeader))
	for i, s := range schemes {
		fmt.Fprintf(&b, "\n%d. *%s*", i+1, s.Title)
		if s.Description != "" {
			fmt.Fprintf(&b, ": %s", s.Description)
		}
	}
	return b.String()
}

func formatEvents(lang models.Language, evs []models.Event) string {
	if len(evs) == 0 {
		return text(lang, msgEventsEmpty)
	}
	var b strings.Builder
	b.WriteString(text(lang, msgEventsHeader))
	for _, ev := range evs {
		fmt.Fprintf(&b, "\n🔹 *%s*\n   📅 %s", ev.Title, ev.Date)
		if ev.Time != "" {
			fmt.Fprintf(&b, " %s", ev.Time)
		}
		if ev.Location != "" {
			fmt.Fprintf(&b, "\n   📍 %s", ev.Location)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// answerContext describes the tenant for the answer service.
func (e *Engine) answerContext(ctx context.Context, tenantID string) (string, error) {
	schemes, err := e.store.ListSchemes(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to list schemes: %w", err)
	}
	p := e.opts.Profiles.Profile(tenantID)
	var b strings.Builder
	fmt.Fprintf(&b, "Office: %s\n", p.Name)
	if p.CandidateInfo != "" {
		fmt.Fprintf(&b, "Candidate:\n%s\n", strings.TrimSpace(p.CandidateInfo))
	}
	if len(schemes) > 0 {
		b.WriteString("Schemes:\n")
		for _, s := range schemes {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Description)
		}
	}
	return b.String(), nil
}
