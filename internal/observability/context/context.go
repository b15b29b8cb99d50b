package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	actorKey
	queueTaskKey
	generationKey
)

type actor struct {
	typ string
	id  string
}

// QueueTask identifies the queue delivery a handler is running under.
type QueueTask struct {
	ID      int64
	Type    string
	Attempt int
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithActor records who is acting, e.g. ("user", "123") or ("system", "poller").
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actor{
		typ: strings.TrimSpace(actorType),
		id:  strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	a, ok := ctx.Value(actorKey).(actor)
	if !ok {
		return "", ""
	}
	return a.typ, a.id
}

func WithQueueTask(ctx context.Context, task QueueTask) context.Context {
	return context.WithValue(ctx, queueTaskKey, task)
}

func QueueTaskFromContext(ctx context.Context) (QueueTask, bool) {
	if ctx == nil {
		return QueueTask{}, false
	}
	t, ok := ctx.Value(queueTaskKey).(QueueTask)
	return t, ok
}

// WithGeneration tags the context with the generation request being worked on.
func WithGeneration(ctx context.Context, requestID int64) context.Context {
	return context.WithValue(ctx, generationKey, requestID)
}

func GenerationFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(generationKey).(int64)
	return id, ok && id != 0
}
