package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentd-project/agentd/pkg/agent"
	"github.com/agentd-project/agentd/pkg/bash"
	"github.com/agentd-project/agentd/pkg/events"
	"github.com/agentd-project/agentd/pkg/metrics"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/retry"
	"github.com/agentd-project/agentd/pkg/store"
	"github.com/agentd-project/agentd/pkg/workspace"
)

// MaxPageLimit caps conversation search page sizes.
const MaxPageLimit = 100

// Sort orders for conversation search.
type SortOrder string

const (
	SortCreatedAt     SortOrder = "CREATED_AT"
	SortCreatedAtDesc SortOrder = "CREATED_AT_DESC"
	SortUpdatedAt     SortOrder = "UPDATED_AT"
	SortUpdatedAtDesc SortOrder = "UPDATED_AT_DESC"
)

// condenser window defaults.
const (
	condenserKeepFirst = 4
	condenserKeepLast  = 12
)

// LLMFactory builds the client for one conversation's LLM config.
type LLMFactory func(cfg models.LLMConfig) (agent.LLMClient, error)

// Options configures the conversation service.
type Options struct {
	Store      store.Store
	Workspaces *workspace.Manager
	BashEvents *bash.EventStore
	// Webhooks are attached to every conversation's event stream.
	Webhooks      []events.WebhookSpec
	SessionAPIKey string
	LLMFactory    LLMFactory
	// DefaultLLM is used when a start request omits the LLM config.
	DefaultLLM                models.LLMConfig
	DefaultMaxIterations      int
	DefaultConfirmationPolicy models.ConfirmationPolicy
	// StuckCheckInterval and StuckThreshold drive the stuck detector; zero
	// values disable it.
	StuckCheckInterval time.Duration
	StuckThreshold     time.Duration
	Logger             *slog.Logger
}

// Service owns the conversation population: creation, lookup, lifecycle,
// deletion, and the stuck detector. Stored conversations are reloaded on
// startup.
type Service struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*EventService
	closed bool

	detectorStop chan struct{}
	detectorDone chan struct{}
}

// StartConversationRequest is the creation payload.
type StartConversationRequest struct {
	Agent              models.AgentSpec           `json:"agent"`
	ConfirmationPolicy *models.ConfirmationPolicy `json:"confirmation_policy,omitempty"`
	MaxIterations      int                        `json:"max_iterations,omitempty"`
	InitialMessage     *InitialMessage            `json:"initial_message,omitempty"`
}

// InitialMessage optionally seeds and kicks off a new conversation.
type InitialMessage struct {
	Role    models.MessageRole    `json:"role,omitempty"`
	Content []models.ContentBlock `json:"content"`
	Run     bool                  `json:"run"`
}

// NewService reloads stored conversations and starts the stuck detector.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Workspaces == nil || opts.LLMFactory == nil {
		return nil, fmt.Errorf("store, workspaces, and llm factory are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		opts:         opts,
		logger:       logger,
		active:       make(map[string]*EventService),
		detectorStop: make(chan struct{}),
		detectorDone: make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	if opts.StuckCheckInterval > 0 && opts.StuckThreshold > 0 {
		go s.runStuckDetector()
	} else {
		close(s.detectorDone)
	}
	return s, nil
}

// reload scans the store for persisted conversations and brings each one
// back up. Directories without a readable meta.json are removed.
func (s *Service) reload() error {
	ids, err := s.opts.Store.List("")
	if err != nil {
		return fmt.Errorf("failed to scan conversation store: %w", err)
	}
	for _, id := range ids {
		data, err := s.opts.Store.Read(metaKey(id))
		if err != nil {
			s.logger.Warn("Removing conversation directory without metadata", "conversation_id", id, "error", err)
			if delErr := s.opts.Store.DeleteAll(id); delErr != nil {
				s.logger.Error("Failed to remove corrupted conversation", "conversation_id", id, "error", delErr)
			}
			continue
		}
		var meta models.Conversation
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("Removing conversation with corrupted metadata", "conversation_id", id, "error", err)
			if delErr := s.opts.Store.DeleteAll(id); delErr != nil {
				s.logger.Error("Failed to remove corrupted conversation", "conversation_id", id, "error", delErr)
			}
			continue
		}
		svc, err := s.buildEventService(&meta)
		if err != nil {
			s.logger.Error("Failed to restore conversation", "conversation_id", id, "error", err)
			continue
		}
		// Restored conversations stay dormant; the step loop launches on
		// the first message that needs it.
		s.active[id] = svc
		metrics.ConversationsActive.Inc()
	}
	s.logger.Info("Restored conversations", "count", len(s.active))
	return nil
}

// buildEventService wires the per-conversation stepper (LLM client, tool
// registry, condenser) and the event service around it.
func (s *Service) buildEventService(meta *models.Conversation) (*EventService, error) {
	llm, err := s.opts.LLMFactory(meta.Agent.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM client: %w", err)
	}

	ws, err := s.opts.Workspaces.Ensure(meta.ID)
	if err != nil {
		return nil, err
	}
	registry, err := agent.DefaultRegistry(ws, bash.NewExecutor(s.opts.BashEvents))
	if err != nil {
		return nil, err
	}
	if len(meta.Agent.Tools) > 0 {
		registry, err = restrictRegistry(registry, meta.Agent.Tools)
		if err != nil {
			return nil, err
		}
	}

	condenser := agent.NewLLMSummarizingCondenser(llm, meta.Agent.LLM, condenserKeepFirst, condenserKeepLast)
	stepper := agent.NewStepper(llm, registry, condenser, meta.Agent.LLM, retry.LLMConfig(), s.logger)
	return NewEventService(meta, s.opts.Store, stepper, s.opts.Webhooks, s.opts.SessionAPIKey, s.logger)
}

// restrictRegistry keeps only the named tools. The finish tool is always
// available so runs can terminate.
func restrictRegistry(full *agent.Registry, names []string) (*agent.Registry, error) {
	allowed := map[string]bool{agent.FinishToolName: true}
	for _, name := range names {
		allowed[name] = true
	}
	restricted := agent.NewRegistry()
	for _, schema := range full.Schemas() {
		if !allowed[schema.Name] {
			continue
		}
		delete(allowed, schema.Name)
		tool, _ := full.Get(schema.Name)
		if err := restricted.Register(tool); err != nil {
			return nil, err
		}
	}
	for name, missing := range allowed {
		if missing {
			return nil, NewValidationError("unknown tool %q", name)
		}
	}
	return restricted, nil
}

// Start creates a conversation, emits its system prompt, and optionally
// sends the initial message.
func (s *Service) Start(req *StartConversationRequest) (*models.ConversationInfo, error) {
	if req == nil {
		return nil, NewValidationError("request body is required")
	}
	llm := req.Agent.LLM
	if llm.Provider == "" {
		llm = s.opts.DefaultLLM
	}
	if llm.Provider == "" || llm.Model == "" {
		return nil, NewValidationError("agent.llm.provider and agent.llm.model are required")
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = s.opts.DefaultMaxIterations
	}
	policy := s.opts.DefaultConfirmationPolicy
	if req.ConfirmationPolicy != nil {
		policy = *req.ConfirmationPolicy
	}

	now := time.Now().UTC()
	meta := &models.Conversation{
		ID:                 newConversationID(),
		CreatedAt:          now,
		UpdatedAt:          now,
		Agent:              req.Agent,
		ConfirmationPolicy: policy,
		MaxIterations:      maxIterations,
	}
	meta.Agent.LLM = llm

	var initial *models.MessageEvent
	if req.InitialMessage != nil {
		if len(req.InitialMessage.Content) == 0 {
			return nil, NewValidationError("initial_message.content must not be empty")
		}
		role := req.InitialMessage.Role
		if role == "" {
			role = models.RoleUser
		}
		initial = &models.MessageEvent{
			BaseEvent: models.NewBase(models.KindMessage, models.SourceUser),
			Role:      role,
			Content:   req.InitialMessage.Content,
		}
		meta.InitialMessage = initial
	}

	svc, err := s.buildEventService(meta)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.active[meta.ID] = svc
	s.mu.Unlock()
	metrics.ConversationsActive.Inc()

	if err := svc.Start(); err != nil {
		return nil, err
	}
	if initial != nil {
		if err := svc.SendMessage(initial, req.InitialMessage.Run); err != nil {
			return nil, err
		}
	}
	s.logger.Info("Started conversation", "conversation_id", meta.ID, "provider", llm.Provider, "model", llm.Model)
	return svc.Info(), nil
}

// newConversationID returns a 32-char lowercase hex id. Event store paths
// and workspace directories are keyed by it.
func newConversationID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// Get returns one conversation's info.
func (s *Service) Get(id string) (*models.ConversationInfo, error) {
	svc, err := s.EventService(id)
	if err != nil {
		return nil, err
	}
	return svc.Info(), nil
}

// EventService returns the runtime for one conversation.
func (s *Service) EventService(id string) (*EventService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return svc, nil
}

// Search pages through conversations, newest-first by default.
func (s *Service) Search(cursor string, limit int, status models.ExecutionStatus, order SortOrder) ([]*models.ConversationInfo, string, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	infos := s.snapshotInfos()
	switch order {
	case SortCreatedAt:
		sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	case SortUpdatedAt:
		sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.Before(infos[j].UpdatedAt) })
	case SortUpdatedAtDesc:
		sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	case SortCreatedAtDesc, "":
		sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	default:
		return nil, "", NewValidationError("unknown sort order %q", order)
	}

	if status != "" {
		filtered := infos[:0]
		for _, info := range infos {
			if info.Status == status {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	start := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, "", NewValidationError("invalid page cursor %q", cursor)
		}
		start = parsed
	}
	if start >= len(infos) {
		return []*models.ConversationInfo{}, "", nil
	}
	end := start + limit
	next := ""
	if end < len(infos) {
		next = strconv.Itoa(end)
	} else {
		end = len(infos)
	}
	return infos[start:end], next, nil
}

// Count returns the number of conversations, optionally filtered by status.
func (s *Service) Count(status models.ExecutionStatus) int {
	count := 0
	for _, info := range s.snapshotInfos() {
		if status == "" || info.Status == status {
			count++
		}
	}
	return count
}

// BatchGet returns infos aligned with ids; unknown ids yield nil entries.
func (s *Service) BatchGet(ids []string) []*models.ConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]*models.ConversationInfo, len(ids))
	for i, id := range ids {
		if svc, ok := s.active[id]; ok {
			infos[i] = svc.Info()
		}
	}
	return infos
}

func (s *Service) snapshotInfos() []*models.ConversationInfo {
	s.mu.Lock()
	services := make([]*EventService, 0, len(s.active))
	for _, svc := range s.active {
		services = append(services, svc)
	}
	s.mu.Unlock()

	infos := make([]*models.ConversationInfo, 0, len(services))
	for _, svc := range services {
		infos = append(infos, svc.Info())
	}
	return infos
}

// Pause pauses a conversation.
func (s *Service) Pause(id string) error {
	svc, err := s.EventService(id)
	if err != nil {
		return err
	}
	return svc.Pause()
}

// Resume resumes a paused conversation.
func (s *Service) Resume(id string) error {
	svc, err := s.EventService(id)
	if err != nil {
		return err
	}
	return svc.Resume()
}

// Delete closes a conversation and removes its stored events, metadata, and
// workspace.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	svc, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	metrics.ConversationsActive.Dec()

	if err := svc.Close(ctx); err != nil {
		s.logger.Warn("Close during delete failed", "conversation_id", id, "error", err)
	}
	if err := s.opts.Store.DeleteAll(id); err != nil {
		return fmt.Errorf("failed to delete conversation data: %w", err)
	}
	if err := s.opts.Workspaces.Remove(id); err != nil {
		return err
	}
	s.logger.Info("Deleted conversation", "conversation_id", id)
	return nil
}

// Close stops the stuck detector and shuts all conversations down
// concurrently, bounded by ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	services := make([]*EventService, 0, len(s.active))
	for _, svc := range s.active {
		services = append(services, svc)
	}
	s.mu.Unlock()

	close(s.detectorStop)
	<-s.detectorDone

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *EventService) {
			defer wg.Done()
			if err := svc.Close(ctx); err != nil {
				s.logger.Warn("Conversation close failed", "conversation_id", svc.id, "error", err)
			}
		}(svc)
	}
	wg.Wait()
	s.logger.Info("Conversation service stopped", "count", len(services))
	return nil
}

// runStuckDetector periodically flags running conversations with no event
// activity past the threshold.
func (s *Service) runStuckDetector() {
	defer close(s.detectorDone)
	ticker := time.NewTicker(s.opts.StuckCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.detectorStop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		services := make([]*EventService, 0, len(s.active))
		for _, svc := range s.active {
			services = append(services, svc)
		}
		s.mu.Unlock()

		for _, svc := range services {
			if svc.Status() != models.StatusRunning {
				continue
			}
			idle := time.Since(svc.LastEventAt())
			if idle < s.opts.StuckThreshold {
				continue
			}
			s.logger.Warn("Conversation appears stuck",
				"conversation_id", svc.id,
				"idle", idle.Round(time.Second))
			svc.NotifyStuck()
		}
	}
}
