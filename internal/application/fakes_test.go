package application

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/adapters/security"
	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

type memoryKeys struct {
	mu      sync.Mutex
	records map[string]domain.APIKeyRecord
	gets    int
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{records: map[string]domain.APIKeyRecord{}}
}

func (m *memoryKeys) Create(_ context.Context, record domain.APIKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.Name == record.Name {
			return domain.ErrDuplicateName
		}
	}
	m.records[record.KeyID] = record
	return nil
}

func (m *memoryKeys) Get(_ context.Context, keyID string) (*domain.APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	record, ok := m.records[keyID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (m *memoryKeys) List(context.Context) ([]domain.APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.APIKeyRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryKeys) Delete(_ context.Context, keyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[keyID]; !ok {
		return false, nil
	}
	delete(m.records, keyID)
	return true, nil
}

// memoryBroker behaves like the Redis broker: FIFO lists of encoded
// envelopes plus a state map that refuses to leave terminal states.
type memoryBroker struct {
	mu         sync.Mutex
	queues     map[string][]string
	states     map[uuid.UUID]domain.TaskState
	dispatched map[uuid.UUID]bool
	revoked    map[uuid.UUID]bool
	enqueueErr error
	stateErr   error
	// beforeRevoke runs ahead of Revoke, standing in for a worker that
	// finishes the task concurrently.
	beforeRevoke func()
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{
		queues:     map[string][]string{},
		states:     map[uuid.UUID]domain.TaskState{},
		dispatched: map[uuid.UUID]bool{},
		revoked:    map[uuid.UUID]bool{},
	}
}

func (b *memoryBroker) QueueLength(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

func (b *memoryBroker) QueueEntries(_ context.Context, queue string, limit int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.queues[queue]
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	return append([]string(nil), entries...), nil
}

func (b *memoryBroker) Enqueue(_ context.Context, envelope domain.TaskEnvelope) error {
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[envelope.Queue] = append(b.queues[envelope.Queue], string(raw))
	b.states[envelope.ID] = domain.TaskState{Status: domain.TaskPending, TaskName: envelope.TaskName, Queue: envelope.Queue}
	b.dispatched[envelope.ID] = true
	return nil
}

func (b *memoryBroker) State(_ context.Context, taskID uuid.UUID) (domain.TaskState, error) {
	if b.stateErr != nil {
		return domain.TaskState{}, b.stateErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[taskID]
	if !ok {
		return domain.TaskState{Status: domain.TaskPending}, nil
	}
	return state, nil
}

func (b *memoryBroker) Dispatched(_ context.Context, taskID uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatched[taskID], nil
}

func (b *memoryBroker) Revoke(_ context.Context, taskID uuid.UUID, queues []string) (bool, error) {
	if b.beforeRevoke != nil {
		b.beforeRevoke()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[taskID]
	if !ok || state.Status.IsTerminal() {
		return false, nil
	}
	b.revoked[taskID] = true
	for _, queue := range queues {
		kept := b.queues[queue][:0]
		for _, entry := range b.queues[queue] {
			if !strings.Contains(entry, taskID.String()) {
				kept = append(kept, entry)
			}
		}
		b.queues[queue] = kept
	}
	state.Status = domain.TaskRevoked
	b.states[taskID] = state
	return true, nil
}

// pop simulates a worker taking the head of a queue.
func (b *memoryBroker) pop(queue string) domain.TaskEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := b.queues[queue][0]
	b.queues[queue] = b.queues[queue][1:]
	var env domain.TaskEnvelope
	_ = json.Unmarshal([]byte(raw), &env)
	return env
}

func (b *memoryBroker) setState(taskID uuid.UUID, state domain.TaskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.states[taskID].Status.IsTerminal() {
		return
	}
	b.states[taskID] = state
}

func (b *memoryBroker) expireMarker(taskID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.dispatched, taskID)
}

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

type staticInfo struct {
	info map[string]any
	err  error
}

func (s staticInfo) TaskInfo(context.Context, string) (map[string]any, error) {
	return s.info, s.err
}

type memorySubmissions struct {
	mu   sync.Mutex
	rows []ports.Submission
}

func (m *memorySubmissions) Insert(_ context.Context, submission ports.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, submission)
	return nil
}

func (m *memorySubmissions) MarkCancelled(_ context.Context, taskID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].TaskID == taskID {
			m.rows[i].CancelledAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memorySubmissions) ListByKey(_ context.Context, keyID string, limit int) ([]ports.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ports.Submission
	for i := len(m.rows) - 1; i >= 0; i-- {
		if keyID == "" || m.rows[i].KeyID == keyID {
			out = append(out, m.rows[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recordedEvent struct {
	eventType    string
	partitionKey string
	payload      []byte
}

type memoryEvents struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (m *memoryEvents) Publish(_ context.Context, eventType string, payload []byte, partitionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{eventType: eventType, partitionKey: partitionKey, payload: payload})
	return m.err
}

func (m *memoryEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.eventType)
	}
	return out
}

type fixture struct {
	svc         *Service
	keys        *memoryKeys
	broker      *memoryBroker
	limiter     *countingLimiter
	submissions *memorySubmissions
	events      *memoryEvents
}

const testAdminKey = "admin-key-that-is-at-least-32-characters"

func newFixture(cfg Config, info ports.TaskInfoSource) *fixture {
	f := &fixture{
		keys:        newMemoryKeys(),
		broker:      newMemoryBroker(),
		limiter:     &countingLimiter{},
		submissions: &memorySubmissions{},
		events:      &memoryEvents{},
	}
	if cfg.AdminKey == "" {
		cfg.AdminKey = testAdminKey
	}
	links, err := security.NewResultLinkSigner(cfg.AdminKey)
	if err != nil {
		panic(err)
	}
	f.svc = NewService(Dependencies{
		Config:      cfg,
		Keys:        f.keys,
		Material:    security.NewRandomKeyMaterial(),
		Limiter:     f.limiter,
		Broker:      f.broker,
		TaskInfo:    info,
		Links:       links,
		Submissions: f.submissions,
		Events:      f.events,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

var errBrokerDown = errors.New("connection refused")
