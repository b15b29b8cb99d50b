package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/songforge/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextOmitsAbsentFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	WithContext(context.Background(), zap.New(core)).Info("plain")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}

func TestWithContextCarriesPipelineCorrelation(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	ctx := obscontext.WithQueueTask(context.Background(), obscontext.QueueTask{ID: 7, Type: "generation.poll", Attempt: 2})
	ctx = obscontext.WithGeneration(ctx, 42)
	ctx = obscontext.WithActor(ctx, "system", "queue.generation.poll")
	WithContext(ctx, zap.New(core)).Info("polled")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, int64(7), fields["queue_task_id"])
	assert.Equal(t, "generation.poll", fields["task_type"])
	assert.Equal(t, int64(2), fields["attempt"])
	assert.Equal(t, int64(42), fields["generation_request_id"])
	assert.Equal(t, "system", fields["actor_type"])
	assert.NotContains(t, fields, "trace_id")
}

func TestProductionConfigLevels(t *testing.T) {
	cfg, err := productionConfig(Config{Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	assert.Equal(t, "json", cfg.Encoding)

	cfg, err = productionConfig(Config{Level: "warn", Format: "Console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())
	assert.Equal(t, "console", cfg.Encoding)

	_, err = productionConfig(Config{Level: "loud"})
	require.Error(t, err)
}
