package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	subject string
	seq     uint64
	data    []byte

	mu    sync.Mutex
	acked bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Sequence() uint64 {
	return m.seq
}

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked
}

type recordingProcessor struct {
	mu    sync.Mutex
	calls []uint64
	err   error
}

func (p *recordingProcessor) Process(_ context.Context, _ string, sequence uint64, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, sequence)
	return p.err
}

func (p *recordingProcessor) Calls() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.calls...)
}

func alignedModel() *Model {
	m := NewModel("build")
	m.setVersionTs(time.Now().UnixMilli())
	m.setSources([]Source{})
	m.setConsumers(nil)
	return m
}

func TestPipeline_ProcessesAndAcks(t *testing.T) {
	proc := &recordingProcessor{}
	p := NewPipeline(alignedModel(), proc, nil, testLogger())

	msg := &fakeMsg{subject: "deriv.build", seq: 7, data: []byte(`{"_id":"job1","method":"x"}`)}
	p.Handle(msg)

	require.Eventually(t, msg.Acked, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{7}, proc.Calls())
}

func TestPipeline_FencesStaleGeneration(t *testing.T) {
	m := alignedModel()
	m.BumpVersion()

	proc := &recordingProcessor{}
	p := NewPipeline(m, proc, nil, testLogger())

	msg := &fakeMsg{subject: "deriv.build", seq: 8, data: []byte(`{}`)}
	p.Handle(msg)

	// Deferred: never processed, never acked, redeliverable
	time.Sleep(50 * time.Millisecond)
	assert.False(t, msg.Acked())
	assert.Empty(t, proc.Calls())

	// Once the subscription generation realigns the same message goes through
	m.setConsumers(nil)
	p.Handle(msg)
	require.Eventually(t, msg.Acked, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{8}, proc.Calls())
}

func TestPipeline_DecodeFailureSkipsAck(t *testing.T) {
	proc := &recordingProcessor{}
	p := NewPipeline(alignedModel(), proc, nil, testLogger())

	msg := &fakeMsg{subject: "deriv.build", seq: 9, data: []byte(`{not json`)}
	p.Handle(msg)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, msg.Acked())
	assert.Empty(t, proc.Calls())
}

func TestPipeline_ProcessorErrorStillAcks(t *testing.T) {
	proc := &recordingProcessor{err: assert.AnError}
	p := NewPipeline(alignedModel(), proc, nil, testLogger())

	msg := &fakeMsg{subject: "deriv.build", seq: 10, data: []byte(`{"method":"bogus"}`)}
	p.Handle(msg)

	require.Eventually(t, msg.Acked, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{10}, proc.Calls())
}
