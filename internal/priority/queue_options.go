package priority

import "time"

// BackoffKind selects how the retry delay grows between attempts
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff is the retry delay policy of a priority class
type Backoff struct {
	Kind  BackoffKind
	Delay time.Duration
}

// For returns the delay to wait before retrying after the given attempt (1-based).
// Exponential backoff doubles the base delay for every attempt after the first.
func (b Backoff) For(attempt int) time.Duration {
	if b.Kind != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<uint(shift))
}

// QueueOptions are the submission parameters for the job queue
type QueueOptions struct {
	Priority         int
	Attempts         int
	Backoff          Backoff
	Delay            time.Duration // initial submission delay
	RemoveOnComplete int           // finished jobs retained on success
	RemoveOnFail     int           // finished jobs retained on failure
}

// RetryInfo tells GetQueueOptions whether the submission is a retry
type RetryInfo struct {
	IsRetry    bool
	RetryCount int
}

// GetQueueOptions returns the retry, backoff and retention parameters of a class
func GetQueueOptions(p Priority, retry RetryInfo) QueueOptions {
	opts := QueueOptions{Priority: p.Level()}

	switch p {
	case Critical:
		opts.Attempts = 5
		opts.Backoff = Backoff{Kind: BackoffExponential, Delay: 2 * time.Second}
		opts.RemoveOnComplete, opts.RemoveOnFail = 20, 10

	case High:
		opts.Attempts = 3
		opts.Backoff = Backoff{Kind: BackoffExponential, Delay: 5 * time.Second}
		if retry.IsRetry {
			opts.Delay = time.Second
		}
		opts.RemoveOnComplete, opts.RemoveOnFail = 15, 8

	case Low:
		opts.Attempts = 2
		opts.Backoff = Backoff{Kind: BackoffFixed, Delay: 30 * time.Second}
		opts.Delay = 10 * time.Second
		if retry.IsRetry {
			opts.Delay = 30 * time.Second
		}
		opts.RemoveOnComplete, opts.RemoveOnFail = 5, 3

	case Background:
		opts.Attempts = 1
		opts.Backoff = Backoff{Kind: BackoffFixed, Delay: time.Minute}
		opts.Delay = time.Minute
		opts.RemoveOnComplete, opts.RemoveOnFail = 3, 2

	default:
		opts.Priority = Normal.Level()
		opts.Attempts = 3
		opts.Backoff = Backoff{Kind: BackoffExponential, Delay: 10 * time.Second}
		if retry.IsRetry {
			opts.Delay = 5 * time.Second
		}
		opts.RemoveOnComplete, opts.RemoveOnFail = 10, 5
	}

	return opts
}
