package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/smallbiznis/songforge/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestProviderStatusOrdering(t *testing.T) {
	cases := []struct {
		name      string
		current   store.ProviderStatus
		next      store.ProviderStatus
		advanced  bool
		regressed bool
	}{
		{"pending_to_text", store.ProviderPending, store.ProviderTextSuccess, true, false},
		{"pending_to_success", store.ProviderPending, store.ProviderSuccess, true, false},
		{"text_to_first", store.ProviderTextSuccess, store.ProviderFirstSuccess, true, false},
		{"same", store.ProviderTextSuccess, store.ProviderTextSuccess, false, false},
		{"first_to_text", store.ProviderFirstSuccess, store.ProviderTextSuccess, false, true},
		{"first_to_pending", store.ProviderFirstSuccess, store.ProviderPending, false, true},
		{"pending_to_failure", store.ProviderPending, store.ProviderCreateTaskFailed, true, false},
		{"first_to_failure", store.ProviderFirstSuccess, store.ProviderSensitiveWordError, true, false},
		{"success_is_terminal", store.ProviderSuccess, store.ProviderGenerateAudioFailed, false, false},
		{"failure_to_failure", store.ProviderCreateTaskFailed, store.ProviderCallbackException, false, false},
		{"failure_to_pending", store.ProviderCallbackException, store.ProviderPending, false, true},
		{"unknown_next", store.ProviderPending, store.ProviderStatus("MYSTERY"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.advanced, store.HasAdvanced(tc.current, tc.next))
			assert.Equal(t, tc.regressed, store.HasRegressed(tc.current, tc.next))
		})
	}
}

func TestProviderStatusFamilies(t *testing.T) {
	assert.True(t, store.ProviderSuccess.IsTerminal())
	assert.True(t, store.ProviderSensitiveWordError.IsTerminal())
	assert.False(t, store.ProviderFirstSuccess.IsTerminal())
	assert.True(t, store.ProviderFirstSuccess.IsSuccessFamily())
	assert.False(t, store.ProviderPending.IsSuccessFamily())
	assert.Equal(t, store.ProviderGenerateAudioFailed.Rank(), store.ProviderCreateTaskFailed.Rank())

	_, ok := store.ParseProviderStatus("TEXT_SUCCESS")
	assert.True(t, ok)
	_, ok = store.ParseProviderStatus("text_success")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, store.KindNotFound, store.Classify(fmt.Errorf("load user: %w", store.ErrNotFound)))
	assert.Equal(t, store.KindProviderTransient, store.Classify(fmt.Errorf("music: %w", store.ErrProviderTransient)))
	assert.Equal(t, store.KindCanceled, store.Classify(context.DeadlineExceeded))
	assert.Equal(t, store.KindInternal, store.Classify(errors.New("boom")))
	assert.True(t, store.IsRetriable(store.ErrProviderTransient))
	assert.False(t, store.IsRetriable(store.ErrProviderTerminal))
	assert.False(t, store.IsRetriable(store.ErrOwnershipMismatch))
}
