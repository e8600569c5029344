package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/jobs"
	"go.uber.org/zap"
)

// MemoryWriter stores a memory for the user bound to ctx.
type MemoryWriter interface {
	Add(ctx context.Context, text string, metadata map[string]interface{}) (string, error)
}

// PersistMemoryHandler returns the PersistMemory job handler. The job's
// payload is the memorable content.
func PersistMemoryHandler(store MemoryWriter, logger *zap.Logger) jobs.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job jobs.Job) error {
		content, _ := job.Payload.(string)
		content = strings.TrimSpace(content)
		if content == "" {
			return fmt.Errorf("persist memory: empty content")
		}
		id, err := store.Add(ctx, content, map[string]interface{}{"source": "conversation"})
		if err != nil {
			return fmt.Errorf("persist memory: %w", err)
		}
		logger.Debug("memory persisted",
			zap.String("user.id", job.JobContext.UserID),
			zap.String("record.id", id))
		return nil
	}
}
