package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/xraph/conductor"
	"github.com/xraph/conductor/id"
)

type (
	lockKey  struct{}
	tokenKey struct{}
)

type heldLock struct {
	workflowID string
	token      string
}

// WithLockToken returns a context whose workflow lock acquisitions use
// token as the holder's identity. A caller already holding a workflow's
// lock under token can then operate on it. Without a token every
// acquisition gets a fresh one.
func WithLockToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func lockToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenKey{}).(string); ok && token != "" {
		return token
	}
	return uuid.NewString()
}

// withLock runs fn while holding the workflow's evaluation lock. It
// reports false without running fn when another token holds the lock. A
// context that already carries the lock for this workflow runs fn
// directly.
func (e *Engine) withLock(ctx context.Context, workflowID id.WorkflowID, fn func(ctx context.Context) error) (bool, error) {
	if held, ok := ctx.Value(lockKey{}).(heldLock); ok && held.workflowID == workflowID.String() {
		return true, fn(ctx)
	}

	token := lockToken(ctx)
	acquired, err := e.workflows.AcquireLock(ctx, workflowID, token, e.now(), e.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lock for workflow %s: %w", workflowID, err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if relErr := e.workflows.ReleaseLock(context.WithoutCancel(ctx), workflowID, token); relErr != nil {
			e.logger.Error("failed to release workflow lock",
				slog.String("workflow_id", workflowID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	return true, fn(context.WithValue(ctx, lockKey{}, heldLock{workflowID: workflowID.String(), token: token}))
}

// locked is withLock for operations that must not be skipped: contention
// is reported as conductor.ErrWorkflowLocked.
func (e *Engine) locked(ctx context.Context, workflowID id.WorkflowID, op string, fn func(ctx context.Context) error) error {
	acquired, err := e.withLock(ctx, workflowID, fn)
	if err != nil {
		return err
	}
	if !acquired {
		e.logger.Warn("workflow lock contended",
			slog.String("workflow_id", workflowID.String()),
			slog.String("operation", op),
		)
		return fmt.Errorf("%s %s: %w", op, workflowID, conductor.ErrWorkflowLocked)
	}
	return nil
}
