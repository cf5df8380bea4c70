// Package resolve backfills derived message and notification columns written
// by older releases. Every pass is idempotent and resumes from a checkpoint.
package resolve

import (
	"context"
	"fmt"

	"github.com/matheus3301/mediate/internal/notify"
	"github.com/matheus3301/mediate/internal/sanitize"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

// Options tunes a Reconciler.
type Options struct {
	Batch         int
	OperatorAlias string
}

// Report counts what a run changed.
type Report struct {
	MessagesScanned        int `json:"messagesScanned"`
	IdentitiesResolved     int `json:"identitiesResolved"`
	IdentitiesUnresolved   int `json:"identitiesUnresolved"`
	BodiesRederived        int `json:"bodiesRederived"`
	NotificationsRederived int `json:"notificationsRederived"`
}

// Reconciler runs the resolution passes.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
	opts   Options
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	if opts.OperatorAlias == "" {
		opts.OperatorAlias = "Support Team"
	}
	return &Reconciler{db: db, logger: logger, opts: opts}
}

// Checkpoint keys embed the sanitizer version so a rule change rescans.
func messagesKey() string      { return fmt.Sprintf("messages@%d", sanitize.Version) }
func notificationsKey() string { return fmt.Sprintf("notifications@%d", sanitize.Version) }

// Run executes every pass to completion.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}
	if err := r.messages(ctx, rep); err != nil {
		return rep, fmt.Errorf("resolve messages: %w", err)
	}
	if err := r.notifications(ctx, rep); err != nil {
		return rep, fmt.Errorf("resolve notifications: %w", err)
	}
	r.logger.Info("resolve finished",
		zap.Int("scanned", rep.MessagesScanned),
		zap.Int("identities", rep.IdentitiesResolved),
		zap.Int("unresolved", rep.IdentitiesUnresolved),
		zap.Int("bodies", rep.BodiesRederived),
		zap.Int("notifications", rep.NotificationsRederived))
	return rep, nil
}

func (r *Reconciler) messages(ctx context.Context, rep *Report) error {
	after, err := r.Checkpoint(ctx, messagesKey())
	if err != nil {
		return err
	}
	convs := map[string]*store.Conversation{}
	for {
		batch, err := r.db.MessagesAfter(ctx, after, r.opts.Batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, c := range batch {
			if err := r.message(ctx, &c.Message, convs, rep); err != nil {
				return fmt.Errorf("message %s: %w", c.Message.ID, err)
			}
			after = c.RowID
		}
		rep.MessagesScanned += len(batch)
		if err := r.UpdateCheckpoint(ctx, messagesKey(), after); err != nil {
			return err
		}
	}
}

func (r *Reconciler) message(ctx context.Context, m *store.Message, convs map[string]*store.Conversation, rep *Report) error {
	if m.SenderRole == "" || m.DisplayedSenderName == "" {
		conv, ok := convs[m.ConversationID]
		if !ok {
			var err error
			if conv, err = r.db.GetConversation(ctx, m.ConversationID); err != nil {
				return err
			}
			convs[m.ConversationID] = conv
		}
		role, name, err := r.identity(ctx, conv, m)
		if err != nil {
			return err
		}
		if role == "" {
			rep.IdentitiesUnresolved++
			r.logger.Warn("sender role unresolved", zap.String("message", m.ID), zap.String("sender", m.SenderID))
		} else if role != m.SenderRole || name != m.DisplayedSenderName {
			if err := r.db.UpdateMessageIdentity(ctx, m.ID, role, name); err != nil {
				return err
			}
			rep.IdentitiesResolved++
		}
	}

	if m.SanitizeVersion < sanitize.Version {
		raw := m.BodyHTML
		if raw == "" {
			raw = sanitize.FromPlain(m.Body)
		}
		if err := r.db.UpdateMessageSafeHTML(ctx, m.ID, sanitize.Web(raw), sanitize.Version); err != nil {
			return err
		}
		rep.BodiesRederived++
	}
	return nil
}

// identity derives the sender role and displayed name of a legacy message.
// Operators keep the persona of the conversation: the provider in an
// intercepted thread, the client in a linked one, the alias elsewhere.
func (r *Reconciler) identity(ctx context.Context, conv *store.Conversation, m *store.Message) (store.Role, string, error) {
	role := m.SenderRole
	if role == "" && conv != nil {
		if p, ok := conv.Participant(m.SenderID); ok {
			role = p.Role
		} else if conv.OperatorID == m.SenderID {
			role = store.RoleAdmin
		}
	}
	if role == "" {
		p, err := r.db.GetProfile(ctx, m.SenderID)
		if err != nil {
			return "", "", err
		}
		if p != nil && p.Role.Valid() {
			role = p.Role
		}
	}
	if role == "" {
		return "", m.DisplayedSenderName, nil
	}

	name := m.DisplayedSenderName
	if name != "" {
		return role, name, nil
	}
	var err error
	switch {
	case m.IsSystem:
		name = r.opts.OperatorAlias
	case role != store.RoleAdmin || conv == nil:
		name, err = r.db.DisplayName(ctx, m.SenderID)
	case conv.Kind == store.KindAdminMediated:
		name = r.opts.OperatorAlias
	case conv.IsIntercepted:
		name, err = r.db.DisplayName(ctx, conv.ProviderID)
	case conv.ForwardedFromID != "":
		name, err = r.db.DisplayName(ctx, conv.ClientID)
	default:
		name = r.opts.OperatorAlias
	}
	return role, name, err
}

func (r *Reconciler) notifications(ctx context.Context, rep *Report) error {
	after, err := r.Checkpoint(ctx, notificationsKey())
	if err != nil {
		return err
	}
	for {
		batch, err := r.db.StaleNotifications(ctx, after, sanitize.Version, r.opts.Batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, n := range batch {
			safe, err := notify.SafeParams(n.Params)
			if err != nil {
				// Unparseable params are replaced by an empty object.
				r.logger.Warn("notification params unreadable", zap.String("notification", n.ID), zap.Error(err))
				safe = []byte("{}")
			}
			if err := r.db.ReplaceNotificationSafeParams(ctx, n.ID, safe, sanitize.Version); err != nil {
				return err
			}
			rep.NotificationsRederived++
			after = n.RowID
		}
		if err := r.UpdateCheckpoint(ctx, notificationsKey(), after); err != nil {
			return err
		}
	}
}
