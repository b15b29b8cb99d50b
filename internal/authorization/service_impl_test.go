package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T, operators ...string) Service {
	t.Helper()
	db := storetest.Open(t)
	enforcer, err := NewEnforcer(db, config.Config{OperatorUserIDs: operators})
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestOperatorGrants(t *testing.T) {
	svc := newService(t, "1001")
	ctx := context.Background()

	assert.NoError(t, svc.Authorize(ctx, UserActor("1001"), ObjectQueue, ActionQueueRead))
	assert.NoError(t, svc.Authorize(ctx, UserActor("1001"), ObjectQueue, ActionQueueRetry))
	assert.NoError(t, svc.Authorize(ctx, UserActor("1001"), ObjectGeneration, ActionGenerationRead))
	assert.ErrorIs(t, svc.Authorize(ctx, UserActor("1001"), ObjectQueue, "queue.purge"), ErrForbidden)
}

func TestRegularUserIsForbidden(t *testing.T) {
	svc := newService(t, "1001")
	assert.ErrorIs(t, svc.Authorize(context.Background(), UserActor("2002"), ObjectQueue, ActionQueueRead), ErrForbidden)
}

func TestSystemActor(t *testing.T) {
	svc := newService(t)
	assert.NoError(t, svc.Authorize(context.Background(), "system", ObjectQueue, ActionQueueRetry))
}

func TestInvalidRequests(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "", ObjectQueue, ActionQueueRead), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:abc", ObjectQueue, ActionQueueRead), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:1", ObjectQueue, ActionQueueRead), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "system", " ", ActionQueueRead), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, "system", ObjectQueue, ""), ErrInvalidAction)
}

func TestNewEnforcerRejectsBadOperatorID(t *testing.T) {
	db := storetest.Open(t)
	_, err := NewEnforcer(db, config.Config{OperatorUserIDs: []string{"not-a-number"}})
	assert.ErrorIs(t, err, ErrInvalidActor)
}
