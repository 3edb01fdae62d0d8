package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/livinlefevreloca/stocksync/internal/batch"
	"github.com/livinlefevreloca/stocksync/internal/failure"
	"github.com/livinlefevreloca/stocksync/internal/job"
	"github.com/livinlefevreloca/stocksync/internal/orchestrator"
	"github.com/livinlefevreloca/stocksync/internal/priority"
)

// Syncer runs a sync request, as the orchestrator does
type Syncer interface {
	Sync(ctx context.Context, req orchestrator.SyncRequest, progress batch.ProgressReporter) (*batch.Result, error)
}

// SyncHandler runs the SyncRequest stored as the job payload and stores the
// batch result on the record
func SyncHandler(s Syncer) Handler {
	return func(ctx context.Context, rec *job.Record, progress batch.ProgressReporter) (json.RawMessage, error) {
		var req orchestrator.SyncRequest
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &req); err != nil {
				return nil, failure.Validation(fmt.Errorf("decode sync payload of job %s: %w", rec.ID, err))
			}
		}
		if req.SyncType == "" {
			req.SyncType = priority.SyncTypeInventory
		}
		req.JobType = priority.JobTypeSync
		if rec.Type == job.TypeBatch {
			req.JobType = priority.JobTypeBatch
		}
		req.Priority = priority.FromLevel(rec.PriorityLevel)

		result, err := s.Sync(ctx, req, progress)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

// SyncJob builds the enqueue request of a sync. Manual jobs count as user
// initiated.
func SyncJob(jobType job.Type, req orchestrator.SyncRequest, triggeredBy string) EnqueueRequest {
	return EnqueueRequest{
		Type:    jobType,
		Payload: req,
		Priority: priority.Context{
			SyncType:      req.SyncType,
			TriggeredBy:   triggeredBy,
			StoreCount:    len(req.StoreIDs),
			VendorCount:   len(req.VendorIDs),
			IsRetry:       jobType == job.TypeRetry,
			UserInitiated: jobType == job.TypeManual,
		},
	}
}
