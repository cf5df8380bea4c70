// Package notify turns domain events into persisted notifications. The stored
// record is authoritative; a push to live sessions is attempted only after
// the write commits and its failure never reaches the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/bus"
	"github.com/matheus3301/mediate/internal/metrics"
	"github.com/matheus3301/mediate/internal/sanitize"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Type enumerates notification kinds.
type Type string

const (
	TypeNewMessage            Type = "new_message"
	TypeNewConversation       Type = "new_conversation"
	TypeProfileView           Type = "profile_view"
	TypeProfileReminder       Type = "profile_reminder"
	TypeVAAdded               Type = "va_added"
	TypeBusinessAdded         Type = "business_added"
	TypeAdminNotification     Type = "admin_notification"
	TypeSystemAnnouncement    Type = "system_announcement"
	TypeReferralJoined        Type = "referral_joined"
	TypeCelebrationPackage    Type = "celebration_package"
	TypeHiringInvoice         Type = "hiring_invoice"
	TypeConversationForwarded Type = "conversation_forwarded"
)

var types = map[Type]bool{
	TypeNewMessage: true, TypeNewConversation: true, TypeProfileView: true,
	TypeProfileReminder: true, TypeVAAdded: true, TypeBusinessAdded: true,
	TypeAdminNotification: true, TypeSystemAnnouncement: true, TypeReferralJoined: true,
	TypeCelebrationPackage: true, TypeHiringInvoice: true, TypeConversationForwarded: true,
}

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool { return types[t] }

const (
	defaultLimit = 20
	maxLimit     = 100
)

// EmailCopy asks for an email copy of a notification.
type EmailCopy struct {
	To      string `validate:"required,email"`
	Subject string `validate:"required,max=200"`
}

// Event is the input of Emit.
type Event struct {
	RecipientID    string `validate:"required,max=128"`
	Type           Type   `validate:"required"`
	Params         map[string]any
	ActionURL      string `validate:"omitempty,max=2048"`
	ConversationID string
	MessageID      string
	Email          *EmailCopy `validate:"omitempty"`
}

// Options configures a Service.
type Options struct {
	// EmailBaseURL is the absolute origin relative links in email copies are
	// rewritten against.
	EmailBaseURL string
}

// Service persists notifications and pushes them to live sessions.
type Service struct {
	db       *store.DB
	pusher   Pusher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	opts     Options
	now      func() time.Time
}

// NewService creates a notification service. pusher and m may be nil.
func NewService(db *store.DB, pusher Pusher, logger *zap.Logger, m *metrics.Metrics, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       db,
		pusher:   pusher,
		logger:   logger,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
		now:      time.Now,
	}
}

// Emit persists one notification and, after commit, pushes it.
func (s *Service) Emit(ctx context.Context, evt Event) (*store.Notification, error) {
	var n *store.Notification
	err := s.db.InTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = s.Stage(ctx, tx, evt)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Deliver(ctx, n)
	return n, nil
}

// Stage writes a notification, and its email copy when requested, inside tx.
// The caller must call Deliver once tx has committed.
func (s *Service) Stage(ctx context.Context, tx *store.Tx, evt Event) (*store.Notification, error) {
	if err := s.validate.Struct(evt); err != nil {
		return nil, apperr.Validation("invalid notification: %s", err).Wrap(err)
	}
	if !evt.Type.Valid() {
		return nil, apperr.Validation("unknown notification type %q", evt.Type)
	}
	params := evt.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := encode(params)
	if err != nil {
		return nil, apperr.Validation("params are not serializable").Wrap(err)
	}
	safe, err := SafeParams(raw)
	if err != nil {
		return nil, err
	}
	n := &store.Notification{
		ID:             uuid.NewString(),
		RecipientID:    evt.RecipientID,
		Type:           string(evt.Type),
		Params:         raw,
		ParamsSafe:     safe,
		ParamsVersion:  1,
		SafeVersion:    sanitize.Version,
		ActionURL:      evt.ActionURL,
		ConversationID: evt.ConversationID,
		MessageID:      evt.MessageID,
		CreatedAt:      s.now().UnixMilli(),
	}
	if err := tx.InsertNotification(ctx, n); err != nil {
		return nil, err
	}
	if evt.Email != nil {
		body := sanitize.Email(emailBody(evt.Type, params, evt.ActionURL), s.opts.EmailBaseURL)
		if err := tx.QueueEmail(ctx, &store.OutboxEmail{
			NotificationID: n.ID,
			Recipient:      evt.Email.To,
			Subject:        sanitize.Text(evt.Email.Subject),
			HTMLBody:       body,
		}); err != nil {
			return nil, fmt.Errorf("queue email: %w", err)
		}
	}
	return n, nil
}

// Deliver pushes committed notifications. Failures are logged and counted.
func (s *Service) Deliver(ctx context.Context, notes ...*store.Notification) {
	for _, n := range notes {
		if n == nil {
			continue
		}
		s.metrics.NotificationEmitted(n.Type)
		unread, err := s.db.UnreadNotificationCount(ctx, n.RecipientID)
		if err != nil {
			s.logger.Warn("unread count for push failed", zap.String("recipient", n.RecipientID), zap.Error(err))
		}
		s.push(ctx, bus.Event{
			Kind:      bus.KindNotificationCreated,
			Timestamp: s.now(),
			Recipient: n.RecipientID,
			Payload:   CreatedPayload{Notification: NewView(n), UnreadCount: unread},
		})
	}
}

func (s *Service) push(ctx context.Context, evt bus.Event) {
	if s.pusher == nil {
		return
	}
	if err := s.pusher.Push(ctx, evt); err != nil {
		s.metrics.PushFailed()
		s.logger.Warn("push failed",
			zap.String("kind", evt.Kind),
			zap.String("recipient", evt.Recipient),
			zap.Error(err))
	}
}

// CreatedPayload is pushed with notification.created.
type CreatedPayload struct {
	Notification View `json:"notification"`
	UnreadCount  int  `json:"unreadCount"`
}

// ReadPayload is pushed with notification.read.
type ReadPayload struct {
	UnreadCount int `json:"unreadCount"`
}

// View is the wire form of a notification.
type View struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Params         json.RawMessage `json:"params"`
	ParamsSafe     json.RawMessage `json:"paramsSafe"`
	ParamsVersion  int             `json:"paramsVersion"`
	ActionURL      string          `json:"actionUrl,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Read           bool            `json:"read"`
	ReadAt         int64           `json:"readAt,omitempty"`
	Archived       bool            `json:"archived"`
	ArchivedAt     int64           `json:"archivedAt,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
}

// NewView converts a stored notification.
func NewView(n *store.Notification) View {
	return View{
		ID:             n.ID,
		Type:           n.Type,
		Params:         n.Params,
		ParamsSafe:     n.ParamsSafe,
		ParamsVersion:  n.ParamsVersion,
		ActionURL:      n.ActionURL,
		ConversationID: n.ConversationID,
		MessageID:      n.MessageID,
		Read:           n.ReadAt != 0,
		ReadAt:         n.ReadAt,
		Archived:       n.Archived,
		ArchivedAt:     n.ArchivedAt,
		CreatedAt:      n.CreatedAt,
	}
}

// ListOptions filters List. Page is 1-based; zero values select defaults.
type ListOptions struct {
	UnreadOnly bool
	Archived   bool
	Page       int
	Limit      int
}

// Pagination describes a page of results.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Page is the result of List.
type Page struct {
	Notifications []View     `json:"notifications"`
	UnreadCount   int        `json:"unreadCount"`
	Pagination    Pagination `json:"pagination"`
}

// List returns a page of the recipient's notifications with the aggregate
// unread count.
func (s *Service) List(ctx context.Context, recipientID string, opts ListOptions) (*Page, error) {
	if opts.Limit < 0 || opts.Page < 0 {
		return nil, apperr.Validation("page and limit must be positive")
	}
	if opts.Limit == 0 {
		opts.Limit = defaultLimit
	}
	opts.Limit = min(opts.Limit, maxLimit)
	if opts.Page == 0 {
		opts.Page = 1
	}
	notes, total, err := s.db.ListNotifications(ctx, recipientID, store.NotificationFilter{
		UnreadOnly: opts.UnreadOnly,
		Archived:   opts.Archived,
		Limit:      opts.Limit,
		Offset:     (opts.Page - 1) * opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	unread, err := s.db.UnreadNotificationCount(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	views := make([]View, len(notes))
	for i := range notes {
		views[i] = NewView(&notes[i])
	}
	return &Page{
		Notifications: views,
		UnreadCount:   unread,
		Pagination: Pagination{
			Page:  opts.Page,
			Limit: opts.Limit,
			Total: total,
			Pages: int(math.Ceil(float64(total) / float64(opts.Limit))),
		},
	}, nil
}

// UnreadCount returns the aggregate unread count of a recipient.
func (s *Service) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return s.db.UnreadNotificationCount(ctx, recipientID)
}

// MarkRead marks the recipient's notifications among ids read.
func (s *Service) MarkRead(ctx context.Context, recipientID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, apperr.Validation("ids must not be empty")
	}
	if _, err := s.db.MarkNotificationsRead(ctx, recipientID, ids, s.now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return s.refreshed(ctx, recipientID)
}

// MarkAllRead marks every notification of the recipient read.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	if _, err := s.db.MarkAllNotificationsRead(ctx, recipientID, s.now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return s.refreshed(ctx, recipientID)
}

// Delete removes one of the recipient's notifications.
func (s *Service) Delete(ctx context.Context, recipientID, id string) (int, error) {
	if _, err := s.owned(ctx, recipientID, id); err != nil {
		return 0, err
	}
	if _, err := s.db.DeleteNotification(ctx, id); err != nil {
		return 0, fmt.Errorf("delete notification: %w", err)
	}
	return s.refreshed(ctx, recipientID)
}

// Archive hides one of the recipient's notifications from the unread count.
func (s *Service) Archive(ctx context.Context, recipientID, id string) (int, error) {
	return s.setArchived(ctx, recipientID, id, true)
}

// Unarchive restores an archived notification.
func (s *Service) Unarchive(ctx context.Context, recipientID, id string) (int, error) {
	return s.setArchived(ctx, recipientID, id, false)
}

func (s *Service) setArchived(ctx context.Context, recipientID, id string, archived bool) (int, error) {
	if _, err := s.owned(ctx, recipientID, id); err != nil {
		return 0, err
	}
	if err := s.db.SetNotificationArchived(ctx, id, archived, s.now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("archive notification: %w", err)
	}
	return s.refreshed(ctx, recipientID)
}

func (s *Service) owned(ctx context.Context, recipientID, id string) (*store.Notification, error) {
	n, err := s.db.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	if n.RecipientID != recipientID {
		return nil, apperr.Authorization("notification %s belongs to another user", id)
	}
	return n, nil
}

// refreshed recomputes the aggregate and pushes it to the recipient.
func (s *Service) refreshed(ctx context.Context, recipientID string) (int, error) {
	unread, err := s.db.UnreadNotificationCount(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	s.push(ctx, bus.Event{
		Kind:      bus.KindNotificationRead,
		Timestamp: s.now(),
		Recipient: recipientID,
		Payload:   ReadPayload{UnreadCount: unread},
	})
	return unread, nil
}

func emailBody(typ Type, params map[string]any, actionURL string) string {
	body := ""
	for _, key := range []string{"message", "body", "title"} {
		if v, ok := params[key].(string); ok && v != "" {
			body = v
			break
		}
	}
	if body == "" {
		body = html.EscapeString(string(typ))
	}
	if actionURL != "" {
		body += `<p><a href="` + html.EscapeString(actionURL) + `">Open</a></p>`
	}
	return body
}
