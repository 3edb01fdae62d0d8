package priority

import (
	"math"
	"time"
)

// SystemLoad is a snapshot of how busy the worker is
type SystemLoad struct {
	ActiveJobs  int
	QueueLength int
	CPUUsage    float64 // percent, 0-100
	MemoryUsage float64 // percent, 0-100
}

// LoadFactor folds a load snapshot into [0, 1]
func (l SystemLoad) LoadFactor() float64 {
	f := 0.3*float64(l.ActiveJobs)/10 +
		0.3*float64(l.QueueLength)/50 +
		0.2*l.CPUUsage/100 +
		0.2*l.MemoryUsage/100
	return math.Min(1, f)
}

// CalculateDelay stretches the class base delay by up to 3x under load.
// Critical jobs always get the plain base delay.
func CalculateDelay(p Priority, load SystemLoad) time.Duration {
	base := GetQueueOptions(p, RetryInfo{}).Backoff.Delay
	if p == Critical {
		return base
	}

	ms := float64(base.Milliseconds()) * (1 + 2*load.LoadFactor())
	return time.Duration(math.Floor(ms)) * time.Millisecond
}

// Health values reported in SystemState
const (
	HealthGood = "good"
	HealthFair = "fair"
	HealthPoor = "poor"
)

// SystemState is what ShouldThrottle looks at
type SystemState struct {
	SystemHealth       string
	ActiveJobs         int
	FailedJobsLastHour int
}

// ShouldThrottle reports whether a job of the given class should be held back
func ShouldThrottle(p Priority, state SystemState) bool {
	if p == Critical {
		return false
	}
	if state.SystemHealth == HealthPoor {
		return p != High
	}
	if state.ActiveJobs > 20 {
		return p == Low || p == Background
	}
	if state.FailedJobsLastHour > 10 {
		return p == Background
	}
	return false
}

// Job types known to RecommendedConcurrency
const (
	JobTypeSync      = "sync"
	JobTypeBatch     = "batch"
	JobTypeScheduled = "scheduled"
)

const defaultConcurrency = 2

var concurrencyTable = map[string]map[Priority]int{
	JobTypeSync: {
		Critical: 5, High: 4, Normal: 3, Low: 2, Background: 1,
	},
	JobTypeBatch: {
		Critical: 3, High: 2, Normal: 2, Low: 1, Background: 1,
	},
	JobTypeScheduled: {
		Critical: 4, High: 3, Normal: 2, Low: 1, Background: 1,
	},
}

// RecommendedConcurrency returns the worker count for a job type and class
func RecommendedConcurrency(jobType string, p Priority) int {
	byPriority, ok := concurrencyTable[jobType]
	if !ok {
		return defaultConcurrency
	}
	n, ok := byPriority[p]
	if !ok {
		return defaultConcurrency
	}
	return n
}
