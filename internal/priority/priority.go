// Package priority decides how urgently a sync job runs and how the queue
// retries it. Everything here is a pure function of its inputs.
package priority

// Priority is one of the five priority classes a job can be assigned
type Priority string

const (
	Critical   Priority = "critical"
	High       Priority = "high"
	Normal     Priority = "normal"
	Low        Priority = "low"
	Background Priority = "background"
)

// Level returns the numeric level of the class (higher runs first)
func (p Priority) Level() int {
	switch p {
	case Critical:
		return 10
	case High:
		return 7
	case Normal:
		return 5
	case Low:
		return 3
	case Background:
		return 1
	default:
		return 5
	}
}

// FromLevel maps a numeric level back to its class. Levels between two
// classes round down to the lower one.
func FromLevel(level int) Priority {
	switch {
	case level >= 10:
		return Critical
	case level >= 7:
		return High
	case level >= 5:
		return Normal
	case level >= 3:
		return Low
	default:
		return Background
	}
}

// String returns the class name
func (p Priority) String() string {
	return string(p)
}

// Valid reports whether p is one of the known classes
func (p Priority) Valid() bool {
	switch p {
	case Critical, High, Normal, Low, Background:
		return true
	}
	return false
}

// Well-known sync types and trigger sources that the rules look at
const (
	SyncTypeEmergency = "emergency"
	SyncTypeInventory = "inventory"
	SyncTypeFull      = "full"
	SyncTypeCleanup   = "cleanup"

	TriggerEmergency   = "emergency"
	TriggerManual      = "manual"
	TriggerMaintenance = "maintenance"
	TriggerSchedule    = "schedule"
)

// largeBatchThreshold is the store or vendor count above which a job is
// considered a large batch
const largeBatchThreshold = 5

// Context describes the job being classified
type Context struct {
	SyncType      string
	TriggeredBy   string
	StoreCount    int
	VendorCount   int
	IsScheduled   bool
	IsRetry       bool
	RetryCount    int
	HasErrors     bool
	UserInitiated bool
}

// Decision is the outcome of DeterminePriority
type Decision struct {
	Priority     Priority
	Level        int
	Reason       string
	QueueOptions QueueOptions
}

type rule struct {
	matches  func(Context) bool
	priority Priority
	reason   string
}

// rules are evaluated in order, first match wins
var rules = []rule{
	{
		matches:  func(c Context) bool { return c.HasErrors && c.RetryCount > 0 },
		priority: Critical,
		reason:   "Error recovery retry",
	},
	{
		matches:  func(c Context) bool { return c.SyncType == SyncTypeEmergency || c.TriggeredBy == TriggerEmergency },
		priority: Critical,
		reason:   "Emergency sync operation",
	},
	{
		matches:  func(c Context) bool { return c.UserInitiated || c.TriggeredBy == TriggerManual },
		priority: High,
		reason:   "User-initiated operation",
	},
	{
		matches:  func(c Context) bool { return c.SyncType == SyncTypeInventory && !c.IsScheduled },
		priority: High,
		reason:   "Manual inventory sync",
	},
	{
		matches: func(c Context) bool {
			return c.StoreCount > largeBatchThreshold || c.VendorCount > largeBatchThreshold
		},
		priority: Low,
		reason:   "Large batch operation",
	},
	{
		matches:  func(c Context) bool { return c.SyncType == SyncTypeFull && c.IsScheduled },
		priority: Low,
		reason:   "Scheduled full sync",
	},
	{
		matches:  func(c Context) bool { return c.SyncType == SyncTypeCleanup || c.TriggeredBy == TriggerMaintenance },
		priority: Background,
		reason:   "Maintenance operation",
	},
	{
		matches:  func(c Context) bool { return c.IsScheduled },
		priority: Normal,
		reason:   "Scheduled operation",
	},
}

// DeterminePriority classifies a job and attaches the queue options of its class
func DeterminePriority(ctx Context) Decision {
	p, reason := Normal, "Default priority"
	for _, r := range rules {
		if r.matches(ctx) {
			p, reason = r.priority, r.reason
			break
		}
	}

	return Decision{
		Priority:     p,
		Level:        p.Level(),
		Reason:       reason,
		QueueOptions: GetQueueOptions(p, RetryInfo{IsRetry: ctx.IsRetry, RetryCount: ctx.RetryCount}),
	}
}
