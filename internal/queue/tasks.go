package queue

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

const TypeDeriveThumbnail = "thumbnail:derive"

type DeriveThumbnailPayload struct {
	IngestID     string    `json:"ingest_id"`
	ArtifactName string    `json:"artifact_name"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

func NewDeriveThumbnailTask(payload DeriveThumbnailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal thumbnail payload: %w", err)
	}
	return asynq.NewTask(TypeDeriveThumbnail, body), nil
}

func ParseDeriveThumbnailPayload(task *asynq.Task) (DeriveThumbnailPayload, error) {
	var payload DeriveThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DeriveThumbnailPayload{}, fmt.Errorf("unmarshal thumbnail payload: %w", err)
	}
	return payload, nil
}
