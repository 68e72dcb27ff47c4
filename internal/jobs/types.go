package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/briangreenhill/canvasgpt/internal/pipeline"
)

const (
	TaskWarmCache = "cache:warm"
	QueueCache    = "cache"
)

// WarmCachePayload names the listing to re-fetch after a mutation.
type WarmCachePayload struct {
	Descriptor pipeline.Descriptor `json:"descriptor"`
}

func NewWarmCacheTask(d pipeline.Descriptor) (*asynq.Task, error) {
	payload, err := json.Marshal(WarmCachePayload{Descriptor: d})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWarmCache, payload), nil
}
