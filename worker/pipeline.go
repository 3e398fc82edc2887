package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/DendraScience/dendra-worker-tasks-deriv/metric"
	"github.com/DendraScience/dendra-worker-tasks-deriv/natsclient"
)

// Processor handles one decoded message delivered by the pipeline.
type Processor interface {
	Process(ctx context.Context, subject string, sequence uint64, data []byte) error
}

// Pipeline dispatches delivered bus messages to a processor under
// generation fencing. With max-in-flight of one per subscription, handling
// is strictly serialized per subject.
type Pipeline struct {
	model     *Model
	processor Processor
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// NewPipeline creates a dispatch pipeline over the model's generation stamps
func NewPipeline(model *Model, processor Processor, metrics *metric.Metrics,
	logger *slog.Logger) *Pipeline {

	return &Pipeline{
		model:     model,
		processor: processor,
		metrics:   metrics,
		logger:    logger.With("machine", model.Name()),
	}
}

// Handle is the subscription message handler.
//
// A message arriving while the subscription set is stale (generation stamp
// behind the model's version) is deferred: logged and left unacknowledged so
// the bus redelivers it to the rebuilt subscription. Payloads that fail to
// decode are also left unacknowledged to force redelivery with backoff.
// Everything else is acknowledged after the processor returns, whether it
// succeeded or not.
func (p *Pipeline) Handle(msg natsclient.Msg) {
	subject := msg.Subject()
	sequence := msg.Sequence()
	logger := p.logger.With("subject", subject, "msg_seq", sequence)

	if p.metrics != nil {
		p.metrics.MessagesReceived.WithLabelValues(subject).Inc()
	}
	logger.Info("message received")

	if p.model.SubscriptionsTs() != p.model.VersionTs() {
		logger.Info("message deferred")
		if p.metrics != nil {
			p.metrics.MessagesDeferred.WithLabelValues(subject).Inc()
		}
		return
	}

	data := msg.Data()
	if !json.Valid(data) {
		logger.Error("message decode failed")
		if p.metrics != nil {
			p.metrics.MessagesFailed.WithLabelValues(subject, "decode").Inc()
		}
		return
	}

	go func() {
		if err := p.processor.Process(context.Background(), subject, sequence, data); err != nil {
			logger.Error("message processing error", "error", err)
			if p.metrics != nil {
				p.metrics.MessagesFailed.WithLabelValues(subject, "process").Inc()
			}
		}
		if err := msg.Ack(); err != nil {
			logger.Error("message ack failed", "error", err)
		}
	}()
}
