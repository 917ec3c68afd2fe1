package dualai

import (
	"context"
	"encoding/json"
	"time"
)

// InteractionRecorder is the append-only write path shared by both provider
// clients. Recording is best-effort: an insert failure is logged and
// swallowed so it never fails the primary request.
type InteractionRecorder struct {
	storage InteractionStorage
	logger  Logger
	now     func() time.Time
}

// NewInteractionRecorder creates a recorder writing to the given storage.
func NewInteractionRecorder(storage InteractionStorage, logger Logger) *InteractionRecorder {
	if logger == nil {
		logger = NewNullLogger()
	}
	return &InteractionRecorder{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// Record serializes data, stamps the current time and inserts one interaction
// row attributed to the caller in rc. Unauthenticated callers are recorded
// under the guest sentinel. Errors never propagate.
func (r *InteractionRecorder) Record(ctx context.Context, rc RequestContext, interactionType, provider string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		r.logger.WithErr(err).WithFields(map[string]interface{}{
			"interaction_type": interactionType,
			"api_provider":     provider,
		}).Error("failed to serialize interaction data")
		return
	}

	in := &Interaction{
		Type:      interactionType,
		Provider:  provider,
		Data:      string(payload),
		Time:      r.now().UTC(),
		UserID:    rc.UserID,
		SessionID: rc.SessionID,
	}

	if err := r.storage.Insert(ctx, in); err != nil {
		r.logger.WithErr(err).WithFields(map[string]interface{}{
			"interaction_type": interactionType,
			"api_provider":     provider,
		}).Error("failed to insert interaction row")
	}
}
