package build

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// Processor routes build requests delivered by the dispatch pipeline to the
// method registry.
type Processor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewProcessor creates a build request processor
func NewProcessor(registry *Registry, logger *slog.Logger) *Processor {
	return &Processor{registry: registry, logger: logger}
}

// Process handles one delivered build request. Handler failures are logged
// and folded into the build result; the returned error is reserved for
// undecodable requests. Either way the message is consumed exactly once.
func (p *Processor) Process(ctx context.Context, subject string, sequence uint64, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.WrapInvalid(err, "Processor", "Process", "decode build request")
	}

	logger := p.logger.With("subject", subject, "msg_seq", sequence,
		"build_id", req.ID, "method", req.Method)

	if req.Method == "" {
		logger.Error("build method undefined")
		return nil
	}

	result := p.registry.Dispatch(ctx, req)
	if result.Error != nil {
		logger.Error("build failed",
			"class", result.Error.Class, "error", result.Error.Message)
		return nil
	}

	logger.Info("built",
		"started_at", result.StartedAt, "finished_at", result.FinishedAt)
	return nil
}
