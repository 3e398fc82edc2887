// Package watch handles change notifications from the time-series store and
// fans them out as processDatastream build jobs.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/DendraScience/dendra-worker-tasks-deriv/build"
	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
	"github.com/DendraScience/dendra-worker-tasks-deriv/metric"
)

// Message is a change notification published by the store's write path.
type Message struct {
	Context *MessageContext `json:"context"`
	Payload *MessagePayload `json:"payload"`
}

// MessageContext identifies the organization the changes belong to.
type MessageContext struct {
	OrgSlug string `json:"org_slug"`
}

// MessagePayload carries the changed spans and their storage options.
type MessagePayload struct {
	Options *ChangeOptions `json:"options"`
	Changes []build.Change `json:"changes"`
}

// ChangeOptions names the database the changes were written to.
type ChangeOptions struct {
	Database string `json:"database"`
}

// Processor turns store change notifications into processDatastream build
// jobs, one per change that touches at least one known sensor datastream.
type Processor struct {
	datastreams dataapi.DatastreamService
	builds      dataapi.BuildService
	auth        dataapi.Authorizer
	metrics     *metric.Metrics
	logger      *slog.Logger
}

// NewProcessor creates a change notification processor
func NewProcessor(datastreams dataapi.DatastreamService, builds dataapi.BuildService,
	auth dataapi.Authorizer, metrics *metric.Metrics, logger *slog.Logger) *Processor {

	return &Processor{
		datastreams: datastreams,
		builds:      builds,
		auth:        auth,
		metrics:     metrics,
		logger:      logger,
	}
}

// Process handles one delivered change notification. Failures are returned
// for the pipeline to log and count; the message is consumed either way
// since the store will republish overlapping changes on further writes.
func (p *Processor) Process(ctx context.Context, subject string, sequence uint64, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.WrapInvalid(err, "Processor", "Process", "decode change notification")
	}
	if msg.Context == nil {
		return errors.WrapInvalid(errors.ErrSpecIncomplete, "Processor", "Process",
			"missing context object")
	}
	if msg.Payload == nil {
		return errors.WrapInvalid(errors.ErrSpecIncomplete, "Processor", "Process",
			"missing payload object")
	}
	if msg.Payload.Options == nil {
		return errors.WrapInvalid(errors.ErrSpecIncomplete, "Processor", "Process",
			"invalid payload.options")
	}
	if msg.Payload.Changes == nil {
		return errors.WrapInvalid(errors.ErrSpecIncomplete, "Processor", "Process",
			"invalid payload.changes")
	}

	if err := p.auth.Verify(ctx); err != nil {
		return err
	}

	orgSlug := msg.Context.OrgSlug
	database := msg.Payload.Options.Database
	logger := p.logger.With("subject", subject, "msg_seq", sequence, "org_slug", orgSlug)

	logger.Info(fmt.Sprintf("processing (%d) changes", len(msg.Payload.Changes)))

	for i, change := range msg.Payload.Changes {
		changeID := fmt.Sprintf("%d-%d", change.MsgSeq, i)

		query := dataapi.DatastreamQuery{
			ConfigBuilt: &dataapi.ConfigBuiltFilter{
				API:  orgSlug,
				DB:   database,
				FC:   change.Measurement,
				Path: "/influx/select",
			},
			IsEnabled:  dataapi.Bool(true),
			SourceType: dataapi.SourceTypeSensor,
			Limit:      2000,
			SortID:     dataapi.SortAsc,
		}

		logger.Info("finding source datastreams", "query", query.String())

		datastreams, err := p.datastreams.Find(ctx, query)
		if err != nil {
			return err
		}
		if len(datastreams) == 0 {
			continue
		}

		datastreamIDs := make([]string, len(datastreams))
		for j, ds := range datastreams {
			datastreamIDs[j] = ds.ID
		}

		job := build.NewJob(build.MethodProcessDatastream, orgSlug, changeID, orgSlug,
			build.ProcessSpec{
				Change:        &msg.Payload.Changes[i],
				ChangeID:      changeID,
				DatastreamIDs: datastreamIDs,
			})

		logger.Info("dispatching build", "build_id", job.ID)
		if err := p.builds.Create(ctx, job); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.BuildsDispatched.WithLabelValues(build.MethodProcessDatastream).Inc()
		}
	}

	logger.Info("changes processed")
	return nil
}
