// Package conversation owns the conversation and message lifecycle: direct
// conversations, silent operator interception, forwarding into a linked
// conversation and the visibility rules that keep an intercepted provider
// firewalled. Every transition is a single store transaction.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/metrics"
	"github.com/matheus3301/mediate/internal/moderation"
	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/sanitize"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Caller is the authenticated identity of a request.
type Caller struct {
	ID   string
	Role store.Role
	Name string
}

// IsOperator reports whether the caller acts for the platform.
func (c Caller) IsOperator() bool { return c.Role == store.RoleAdmin }

func (c Caller) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return apperr.Unauthenticated("missing caller identity")
	}
	if !c.Role.Valid() {
		return apperr.Unauthenticated("unknown caller role %q", c.Role)
	}
	return nil
}

// Content is the body of a new message. At least one of the fields must be
// set; the other is derived.
type Content struct {
	Body     string
	BodyHTML string
}

func (c Content) normalize() (Content, error) {
	body, raw := strings.TrimSpace(c.Body), strings.TrimSpace(c.BodyHTML)
	if body == "" && raw == "" {
		return Content{}, apperr.Validation("message body must not be empty")
	}
	if len(c.Body) > sanitize.MaxInputBytes || sanitize.Check(c.BodyHTML) != nil {
		return Content{}, apperr.Validation("message body exceeds %d bytes", sanitize.MaxInputBytes)
	}
	if raw == "" {
		raw = sanitize.FromPlain(c.Body)
	}
	if body == "" {
		body = sanitize.Text(raw)
	}
	return Content{Body: body, BodyHTML: raw}, nil
}

// Options configures a Service.
type Options struct {
	// OperatorAlias is the sender name shown on operator-initiated messages.
	OperatorAlias string
	// PreviewLength bounds the last-message preview, in runes.
	PreviewLength int
	// MaxNotesLength bounds operator notes, in bytes.
	MaxNotesLength int
}

func (o *Options) applyDefaults() {
	if o.OperatorAlias == "" {
		o.OperatorAlias = "Support Team"
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = 140
	}
	if o.MaxNotesLength <= 0 {
		o.MaxNotesLength = 5000
	}
}

const (
	defaultMessageLimit = 50
	defaultListLimit    = 20
	maxLimit            = 100
)

// Service implements the conversation state machine.
type Service struct {
	db        *store.DB
	notifier  Notifier
	policy    InterceptionPolicy
	moderator *moderation.Moderator
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

// Deps groups the collaborators of a Service. Only DB is required.
type Deps struct {
	DB        *store.DB
	Notifier  Notifier
	Policy    InterceptionPolicy
	Moderator *moderation.Moderator
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// NewService creates a conversation service.
func NewService(d Deps, opts Options) *Service {
	opts.applyDefaults()
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Policy == nil {
		d.Policy = Never()
	}
	return &Service{
		db:        d.DB,
		notifier:  d.Notifier,
		policy:    d.Policy,
		moderator: d.Moderator,
		publisher: d.Publisher,
		logger:    d.Logger,
		metrics:   d.Metrics,
		opts:      opts,
		now:       time.Now,
	}
}

func (s *Service) nowMilli() int64 { return s.now().UnixMilli() }

// load fetches a conversation inside tx or fails with NotFound.
func load(ctx context.Context, tx *store.Tx, id string) (*store.Conversation, error) {
	conv, err := tx.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	return conv, nil
}

// authorize applies the visibility rule: operators see everything, anyone
// else must be a true participant, and a provider never sees an intercepted
// conversation.
func authorize(conv *store.Conversation, caller Caller) error {
	if caller.IsOperator() {
		return nil
	}
	p, ok := conv.Participant(caller.ID)
	if !ok {
		return apperr.Authorization("not a participant of conversation %s", conv.ID)
	}
	if p.Role == store.RoleProvider && conv.IsIntercepted {
		return apperr.Authorization("not a participant of conversation %s", conv.ID)
	}
	return nil
}

// readerRole is the counter a caller reads and clears.
func readerRole(conv *store.Conversation, caller Caller) store.Role {
	if caller.IsOperator() {
		return store.RoleAdmin
	}
	p, _ := conv.Participant(caller.ID)
	return p.Role
}

func requireOperator(caller Caller) error {
	if err := caller.validate(); err != nil {
		return err
	}
	if !caller.IsOperator() {
		return apperr.Authorization("operator role required")
	}
	return nil
}

func clampLimit(limit, def int) (int, error) {
	if limit < 0 {
		return 0, apperr.Validation("limit must be at least 1")
	}
	if limit == 0 {
		return def, nil
	}
	return min(limit, maxLimit), nil
}

// stage queues a notification when a notifier is configured.
func (s *Service) stage(ctx context.Context, tx *store.Tx, evt notify.Event) (*store.Notification, error) {
	if s.notifier == nil {
		return nil, nil
	}
	return s.notifier.Stage(ctx, tx, evt)
}

func (s *Service) deliver(ctx context.Context, notes []*store.Notification) {
	if s.notifier == nil || len(notes) == 0 {
		return
	}
	s.notifier.Deliver(ctx, notes...)
}

// publishInterceptUnread tells connected operators the queue's unread total.
func (s *Service) publishInterceptUnread(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	stats, err := s.db.InterceptStats(ctx)
	if err != nil {
		s.logger.Warn("intercept stats for push failed", zap.Error(err))
		return
	}
	s.publisher.Publish(bus.Event{
		Kind:      bus.KindInterceptUnread,
		Timestamp: s.now(),
		Role:      string(store.RoleAdmin),
		Payload:   InterceptUnread{UnreadTotal: stats.UnreadTotal, UnreadThreads: stats.UnreadThreads},
	})
}

// InterceptUnread is pushed to operators whenever the queue's unread total
// may have changed.
type InterceptUnread struct {
	UnreadTotal   int `json:"unreadTotal"`
	UnreadThreads int `json:"unreadThreads"`
}

func pairKey(prefix string, ids ...string) string {
	return prefix + ":" + strings.Join(ids, ":")
}
