package application

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/ports"
)

const (
	defaultBacklogLimit  = 100
	defaultRateLimit     = 60
	defaultResultLinkTTL = 15 * time.Minute
)

// Service is the gateway core. It keeps no state of its own: keys, queues
// and task state all live in the shared store behind the ports.
type Service struct {
	cfg         Config
	keys        ports.KeyStore
	material    ports.KeyMaterial
	limiter     ports.RateLimiter
	broker      ports.TaskBroker
	taskInfo    ports.TaskInfoSource
	links       ports.LinkSigner
	submissions ports.SubmissionRepository
	events      ports.EventPublisher
	logger      *slog.Logger
	nowFn       func() time.Time
	newID       func() uuid.UUID
}

type Dependencies struct {
	Config      Config
	Keys        ports.KeyStore
	Material    ports.KeyMaterial
	Limiter     ports.RateLimiter
	Broker      ports.TaskBroker
	TaskInfo    ports.TaskInfoSource
	Links       ports.LinkSigner
	Submissions ports.SubmissionRepository
	Events      ports.EventPublisher
	Logger      *slog.Logger
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"gpu", "cpu", "comfy"}
	}
	if cfg.BacklogLimit == 0 {
		cfg.BacklogLimit = defaultBacklogLimit
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.ResultLinkTTL <= 0 {
		cfg.ResultLinkTTL = defaultResultLinkTTL
	}
	if cfg.Routing.DefaultQueue == "" {
		cfg.Routing.DefaultQueue = cfg.Queues[0]
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		keys:        deps.Keys,
		material:    deps.Material,
		limiter:     deps.Limiter,
		broker:      deps.Broker,
		taskInfo:    deps.TaskInfo,
		links:       deps.Links,
		submissions: deps.Submissions,
		events:      deps.Events,
		logger:      logger.With("module", "application", "layer", "application"),
		nowFn:       func() time.Time { return time.Now().UTC() },
		newID:       uuid.New,
	}
}

// Queues returns the configured queue names in priority order.
func (s *Service) Queues() []string {
	return append([]string(nil), s.cfg.Queues...)
}
