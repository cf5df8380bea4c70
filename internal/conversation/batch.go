package conversation

import (
	"context"

	"github.com/matheus3301/mediate/internal/apperr"
	"github.com/matheus3301/mediate/internal/ledger"
	"github.com/matheus3301/mediate/internal/store"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// BatchAction is an operator action applied to many intercepted
// conversations at once.
type BatchAction string

const (
	BatchMarkRead     BatchAction = "markAsRead"
	BatchUpdateStatus BatchAction = "updateStatus"
	BatchArchive      BatchAction = "archive"
)

func (a BatchAction) valid() bool {
	switch a {
	case BatchMarkRead, BatchUpdateStatus, BatchArchive:
		return true
	}
	return false
}

const maxBatchSize = 100

// BatchRequest is the input of Batch. Status is required by updateStatus.
type BatchRequest struct {
	Action BatchAction
	IDs    []string
	Status store.AdminStatus
}

// BatchFailure names a conversation the action could not be applied to.
type BatchFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult partitions the requested ids by outcome.
type BatchResult struct {
	Successful []string       `json:"successful"`
	Failed     []BatchFailure `json:"failed"`
}

// Batch applies one action to each listed intercepted conversation in its
// own transaction, so one failing id never rolls back the others. Each
// success leaves a batch_<action> entry in the audit trail.
func (s *Service) Batch(ctx context.Context, operator Caller, req BatchRequest) (*BatchResult, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	if !req.Action.valid() {
		return nil, apperr.Validation("unknown batch action %q", req.Action)
	}
	ids := lo.Uniq(lo.Compact(req.IDs))
	if len(ids) == 0 {
		return nil, apperr.Validation("at least one conversation id is required")
	}
	if len(ids) > maxBatchSize {
		return nil, apperr.Validation("at most %d conversations per batch", maxBatchSize)
	}
	details := map[string]any{}
	if req.Action == BatchUpdateStatus {
		if !req.Status.Valid() {
			return nil, apperr.Validation("unknown admin status %q", req.Status)
		}
		details["status"] = req.Status
	}

	res := &BatchResult{Successful: []string{}, Failed: []BatchFailure{}}
	for _, id := range ids {
		err := s.db.InTx(ctx, func(tx *store.Tx) error {
			conv, err := load(ctx, tx, id)
			if err != nil {
				return err
			}
			if !conv.IsIntercepted {
				return apperr.Validation("conversation %s is not intercepted", id)
			}
			if err := s.applyBatch(ctx, tx, conv, req); err != nil {
				return err
			}
			return tx.RecordAdminAction(ctx, &store.AdminAction{
				ConversationID: conv.ID,
				Action:         "batch_" + string(req.Action),
				PerformedBy:    operator.ID,
				Details:        mustJSON(details),
			})
		})
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				s.logger.Error("batch action failed", zap.String("action", string(req.Action)), zap.String("conversation", id), zap.Error(err))
			}
			res.Failed = append(res.Failed, BatchFailure{ID: id, Error: apperr.MessageOf(err)})
			continue
		}
		res.Successful = append(res.Successful, id)
	}
	if req.Action == BatchMarkRead && len(res.Successful) > 0 {
		s.publishInterceptUnread(ctx)
	}
	return res, nil
}

func (s *Service) applyBatch(ctx context.Context, tx *store.Tx, conv *store.Conversation, req BatchRequest) error {
	switch req.Action {
	case BatchMarkRead:
		_, err := ledger.MarkConversationRead(ctx, tx, conv.ID, store.RoleAdmin)
		return err
	case BatchUpdateStatus:
		return tx.SetAdminStatus(ctx, conv.ID, req.Status)
	default:
		_, err := tx.ArchiveConversation(ctx, conv.ID, s.nowMilli())
		return err
	}
}
