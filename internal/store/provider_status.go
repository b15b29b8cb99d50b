package store

// ProviderStatus is the status reported by the music provider for a task.
type ProviderStatus string

const (
	ProviderPending      ProviderStatus = "PENDING"
	ProviderTextSuccess  ProviderStatus = "TEXT_SUCCESS"
	ProviderFirstSuccess ProviderStatus = "FIRST_SUCCESS"
	ProviderSuccess      ProviderStatus = "SUCCESS"

	ProviderCreateTaskFailed    ProviderStatus = "CREATE_TASK_FAILED"
	ProviderGenerateAudioFailed ProviderStatus = "GENERATE_AUDIO_FAILED"
	ProviderCallbackException   ProviderStatus = "CALLBACK_EXCEPTION"
	ProviderSensitiveWordError  ProviderStatus = "SENSITIVE_WORD_ERROR"
)

// failureRank is shared by every failure status. Failures are terminal and
// unordered among themselves.
const failureRank = 4

const unknownRank = -1

var providerStatusRank = map[ProviderStatus]int{
	ProviderPending:             0,
	ProviderTextSuccess:         1,
	ProviderFirstSuccess:        2,
	ProviderSuccess:             3,
	ProviderCreateTaskFailed:    failureRank,
	ProviderGenerateAudioFailed: failureRank,
	ProviderCallbackException:   failureRank,
	ProviderSensitiveWordError:  failureRank,
}

// ParseProviderStatus reports whether s is a known provider status.
func ParseProviderStatus(s string) (ProviderStatus, bool) {
	status := ProviderStatus(s)
	_, ok := providerStatusRank[status]
	return status, ok
}

// Rank returns the position of s in the provider ordering, -1 when unknown.
func (s ProviderStatus) Rank() int {
	if rank, ok := providerStatusRank[s]; ok {
		return rank
	}
	return unknownRank
}

func (s ProviderStatus) IsFailure() bool {
	return s.Rank() == failureRank
}

func (s ProviderStatus) IsSuccessFamily() bool {
	switch s {
	case ProviderTextSuccess, ProviderFirstSuccess, ProviderSuccess:
		return true
	}
	return false
}

// IsTerminal reports whether no further polling is needed.
func (s ProviderStatus) IsTerminal() bool {
	return s == ProviderSuccess || s.IsFailure()
}

// HasAdvanced reports whether next is strictly later than current.
// Unknown statuses never advance, and nothing advances past a terminal status.
func HasAdvanced(current, next ProviderStatus) bool {
	if current.IsTerminal() {
		return false
	}
	cr, nr := current.Rank(), next.Rank()
	if cr == unknownRank || nr == unknownRank {
		return false
	}
	return nr > cr
}

// HasRegressed reports whether next is strictly earlier than current.
func HasRegressed(current, next ProviderStatus) bool {
	cr, nr := current.Rank(), next.Rank()
	if cr == unknownRank || nr == unknownRank {
		return false
	}
	return nr < cr
}
