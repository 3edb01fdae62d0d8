package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterminePriority_Rules(t *testing.T) {
	tests := []struct {
		name     string
		ctx      Context
		expected Priority
		reason   string
	}{
		{
			name:     "error recovery retry",
			ctx:      Context{HasErrors: true, RetryCount: 1},
			expected: Critical,
			reason:   "Error recovery retry",
		},
		{
			name:     "errors without retries fall through",
			ctx:      Context{HasErrors: true, RetryCount: 0},
			expected: Normal,
			reason:   "Default priority",
		},
		{
			name:     "emergency sync type",
			ctx:      Context{SyncType: "emergency"},
			expected: Critical,
			reason:   "Emergency sync operation",
		},
		{
			name:     "emergency trigger",
			ctx:      Context{TriggeredBy: "emergency", IsScheduled: true},
			expected: Critical,
			reason:   "Emergency sync operation",
		},
		{
			name:     "user initiated",
			ctx:      Context{UserInitiated: true, StoreCount: 50},
			expected: High,
			reason:   "User-initiated operation",
		},
		{
			name:     "manual inventory sync fires user rule first",
			ctx:      Context{TriggeredBy: "manual", SyncType: "inventory", IsScheduled: false},
			expected: High,
			reason:   "User-initiated operation",
		},
		{
			name:     "unscheduled inventory sync",
			ctx:      Context{SyncType: "inventory"},
			expected: High,
			reason:   "Manual inventory sync",
		},
		{
			name:     "large store batch",
			ctx:      Context{StoreCount: 6, IsScheduled: true},
			expected: Low,
			reason:   "Large batch operation",
		},
		{
			name:     "large vendor batch",
			ctx:      Context{VendorCount: 10},
			expected: Low,
			reason:   "Large batch operation",
		},
		{
			name:     "five stores is not large",
			ctx:      Context{StoreCount: 5, VendorCount: 5},
			expected: Normal,
			reason:   "Default priority",
		},
		{
			name:     "scheduled full sync",
			ctx:      Context{SyncType: "full", IsScheduled: true},
			expected: Low,
			reason:   "Scheduled full sync",
		},
		{
			name:     "cleanup",
			ctx:      Context{SyncType: "cleanup", IsScheduled: true},
			expected: Background,
			reason:   "Maintenance operation",
		},
		{
			name:     "maintenance trigger",
			ctx:      Context{TriggeredBy: "maintenance"},
			expected: Background,
			reason:   "Maintenance operation",
		},
		{
			name:     "scheduled",
			ctx:      Context{SyncType: "inventory", IsScheduled: true},
			expected: Normal,
			reason:   "Scheduled operation",
		},
		{
			name:     "default",
			ctx:      Context{},
			expected: Normal,
			reason:   "Default priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DeterminePriority(tt.ctx)
			assert.Equal(t, tt.expected, d.Priority)
			assert.Equal(t, tt.expected.Level(), d.Level)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.expected.Level(), d.QueueOptions.Priority)
		})
	}
}

func TestDeterminePriority_ErrorRetryAlwaysCritical(t *testing.T) {
	others := []Context{
		{SyncType: "cleanup", TriggeredBy: "maintenance"},
		{SyncType: "full", IsScheduled: true, StoreCount: 20},
		{UserInitiated: true, TriggeredBy: "manual"},
		{SyncType: "inventory", VendorCount: 100},
	}

	for _, c := range others {
		for retries := 1; retries <= 5; retries++ {
			c.HasErrors = true
			c.RetryCount = retries
			d := DeterminePriority(c)
			assert.Equal(t, Critical, d.Priority, "context %+v", c)
			assert.Equal(t, 10, d.Level)
		}
	}
}

func TestPriorityLevels(t *testing.T) {
	assert.Equal(t, 10, Critical.Level())
	assert.Equal(t, 7, High.Level())
	assert.Equal(t, 5, Normal.Level())
	assert.Equal(t, 3, Low.Level())
	assert.Equal(t, 1, Background.Level())
	assert.False(t, Priority("urgent").Valid())
}

func TestGetQueueOptions(t *testing.T) {
	tests := []struct {
		priority       Priority
		retry          RetryInfo
		attempts       int
		kind           BackoffKind
		baseDelay      time.Duration
		initialDelay   time.Duration
		retainComplete int
		retainFail     int
	}{
		{Critical, RetryInfo{}, 5, BackoffExponential, 2 * time.Second, 0, 20, 10},
		{Critical, RetryInfo{IsRetry: true}, 5, BackoffExponential, 2 * time.Second, 0, 20, 10},
		{High, RetryInfo{}, 3, BackoffExponential, 5 * time.Second, 0, 15, 8},
		{High, RetryInfo{IsRetry: true}, 3, BackoffExponential, 5 * time.Second, time.Second, 15, 8},
		{Normal, RetryInfo{}, 3, BackoffExponential, 10 * time.Second, 0, 10, 5},
		{Normal, RetryInfo{IsRetry: true}, 3, BackoffExponential, 10 * time.Second, 5 * time.Second, 10, 5},
		{Low, RetryInfo{}, 2, BackoffFixed, 30 * time.Second, 10 * time.Second, 5, 3},
		{Low, RetryInfo{IsRetry: true}, 2, BackoffFixed, 30 * time.Second, 30 * time.Second, 5, 3},
		{Background, RetryInfo{}, 1, BackoffFixed, time.Minute, time.Minute, 3, 2},
		{Background, RetryInfo{IsRetry: true}, 1, BackoffFixed, time.Minute, time.Minute, 3, 2},
	}

	for _, tt := range tests {
		opts := GetQueueOptions(tt.priority, tt.retry)
		assert.Equal(t, tt.attempts, opts.Attempts, "%s attempts", tt.priority)
		assert.Equal(t, tt.kind, opts.Backoff.Kind, "%s backoff kind", tt.priority)
		assert.Equal(t, tt.baseDelay, opts.Backoff.Delay, "%s base delay", tt.priority)
		assert.Equal(t, tt.initialDelay, opts.Delay, "%s initial delay (retry=%v)", tt.priority, tt.retry.IsRetry)
		assert.Equal(t, tt.retainComplete, opts.RemoveOnComplete, "%s retain ok", tt.priority)
		assert.Equal(t, tt.retainFail, opts.RemoveOnFail, "%s retain fail", tt.priority)
	}
}

func TestBackoffFor(t *testing.T) {
	exp := Backoff{Kind: BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.For(1))
	assert.Equal(t, 4*time.Second, exp.For(2))
	assert.Equal(t, 8*time.Second, exp.For(3))

	fixed := Backoff{Kind: BackoffFixed, Delay: 30 * time.Second}
	assert.Equal(t, 30*time.Second, fixed.For(1))
	assert.Equal(t, 30*time.Second, fixed.For(4))
}

func TestFromLevel(t *testing.T) {
	for _, p := range []Priority{Critical, High, Normal, Low, Background} {
		assert.Equal(t, p, FromLevel(p.Level()), "round trip %s", p)
	}
	assert.Equal(t, High, FromLevel(8))
	assert.Equal(t, Background, FromLevel(-4))
	assert.Equal(t, Critical, FromLevel(42))
}
