package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport is a dry-run transport: it logs every send and returns a
// fresh delivery id. It is used when no real adapter is configured.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a dry-run transport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger.Named("transport")}
}

// Send logs the part and returns a synthetic delivery id.
func (t *LogTransport) Send(ctx context.Context, contactRef, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "dry-" + uuid.NewString()
	t.logger.Info("dry-run send",
		zap.String("to", contactRef),
		zap.String("delivery_id", id),
		zap.Int("chars", len(text)))
	return id, nil
}

// DownloadMedia always fails with ErrMediaUnavailable.
func (t *LogTransport) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	return nil, ErrMediaUnavailable
}
