package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/rapport/internal/logging"
	"github.com/scrypster/rapport/internal/queue"
	"github.com/scrypster/rapport/internal/storage"
	"github.com/scrypster/rapport/pkg/types"
)

// StatusHandler consumes delivery receipts from the status_updates queue.
type StatusHandler struct {
	replies storage.ReplyStore
	logger  *zap.Logger
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(replies storage.ReplyStore, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{replies: replies, logger: logging.OrNop(logger).Named("status")}
}

// Handle implements queue.Handler. The payload is {reply_id, status, error?}.
func (h *StatusHandler) Handle(ctx context.Context, msg *queue.Message) error {
	id := stringField(msg.Payload, "reply_id")
	status := types.ReplyStatus(stringField(msg.Payload, "status"))
	if id == "" || !types.IsValidReplyStatus(status) {
		return queue.Permanent(fmt.Errorf("%w: status update needs reply_id and a known status", ErrMalformedEvent))
	}

	err := h.replies.UpdateReplyStatus(ctx, id, storage.ReplyStatusUpdate{
		Status: status,
		Error:  stringField(msg.Payload, "error"),
	})
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn("status update for unknown reply", zap.String("reply_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update reply %s: %w", id, err)
	}
	h.logger.Debug("reply status updated", zap.String("reply_id", id), zap.String("status", string(status)))
	return nil
}
