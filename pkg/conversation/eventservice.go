// Package conversation runs conversations: each EventService owns one
// event log, pub/sub fan-out, and a cooperative step loop; the Service
// above it manages the whole population and its persistence.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentd-project/agentd/pkg/agent"
	"github.com/agentd-project/agentd/pkg/events"
	"github.com/agentd-project/agentd/pkg/hooks"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/store"
)

// EventService is the single-writer runtime for one conversation. All
// public mutators serialize on one mutex; the step loop cooperates through
// status flags and releases the lock around LLM and tool calls.
type EventService struct {
	id       string
	store    store.Store
	log      *events.EventLog
	pubsub   *events.PubSub
	hooks    *hooks.Processor
	stepper  *agent.Stepper
	webhooks []*events.WebhookSubscriber
	logger   *slog.Logger

	mu          sync.Mutex
	meta        *models.Conversation
	base        models.ExecutionStatus
	paused      bool
	closed      bool
	started     bool
	loopRunning bool
	lastEventAt time.Time

	signal    chan struct{}
	loopDone  chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
}

func metaKey(id string) string      { return id + "/meta.json" }
func baseStateKey(id string) string { return id + "/event_service/base_state.json" }

// NewEventService builds the runtime for a conversation, reloading its
// event log and base state. The service does not run until Start.
func NewEventService(meta *models.Conversation, st store.Store, stepper *agent.Stepper, webhookSpecs []events.WebhookSpec, sessionAPIKey string, logger *slog.Logger) (*EventService, error) {
	if logger == nil {
		logger = slog.Default()
	}

	log, err := events.NewEventLog(meta.ID, st)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log for %s: %w", meta.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &EventService{
		id:          meta.ID,
		store:       st,
		log:         log,
		pubsub:      events.NewPubSub(),
		stepper:     stepper,
		logger:      logger.With("conversation_id", meta.ID),
		meta:        meta,
		base:        models.StatusIdle,
		lastEventAt: time.Now().UTC(),
		signal:      make(chan struct{}, 1),
		loopDone:    make(chan struct{}),
		runCtx:      runCtx,
		cancelRun:   cancel,
	}

	s.restoreBaseState()

	for _, spec := range webhookSpecs {
		w := events.NewWebhookSubscriber(meta.ID, spec, sessionAPIKey)
		s.webhooks = append(s.webhooks, w)
		s.pubsub.Subscribe(w.OnEvent)
	}

	log.SetOnAppend(func(_ int, evt models.Event) {
		s.mu.Lock()
		s.lastEventAt = time.Now().UTC()
		s.mu.Unlock()
		s.pubsub.Dispatch(evt)
	})

	return s, nil
}

// restoreBaseState loads the persisted snapshot. A paused conversation
// comes back paused; one that died mid-run comes back idle.
func (s *EventService) restoreBaseState() {
	data, err := s.store.Read(baseStateKey(s.id))
	if err != nil {
		s.hooks = hooks.NewProcessor(nil, nil)
		return
	}
	var state models.BaseState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("Ignoring corrupted base state", "error", err)
		s.hooks = hooks.NewProcessor(nil, nil)
		return
	}
	s.hooks = hooks.NewProcessor(state.BlockedActions, state.BlockedMessages)
	if state.ConfirmationPolicy.Kind != "" {
		s.meta.ConfirmationPolicy = state.ConfirmationPolicy
	}
	switch state.Status {
	case models.StatusPaused:
		s.paused = true
		s.base = models.StatusIdle
	case models.StatusRunning:
		s.base = models.StatusIdle
	case "":
		s.base = models.StatusIdle
	default:
		s.base = state.Status
	}
}

// Start emits the system prompt as the first event of a brand new
// conversation. The step loop itself launches lazily on the first wake, so
// a restored conversation that is never touched costs no goroutine.
func (s *EventService) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	first := s.log.Len() == 0
	s.mu.Unlock()

	if first {
		prompt := &models.SystemPromptEvent{
			BaseEvent:    models.NewBase(models.KindSystemPrompt, models.SourceAgent),
			SystemPrompt: s.meta.Agent.SystemPrompt,
			Tools:        s.stepper.ToolSchemas(),
		}
		if _, err := s.log.Append(prompt); err != nil {
			s.failPersistence(err)
			return ErrPersistence
		}
	}
	return nil
}

// statusLocked derives the externally visible status. Waiting for
// confirmation wins over the advisory pause flag; terminal states win over
// everything.
func (s *EventService) statusLocked() models.ExecutionStatus {
	if s.base.IsTerminal() {
		return s.base
	}
	if s.base == models.StatusWaitingForConfirmation {
		return s.base
	}
	if s.paused {
		return models.StatusPaused
	}
	return s.base
}

// Status returns the current execution status.
func (s *EventService) Status() models.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Info projects the conversation for the API.
func (s *EventService) Info() *models.ConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.ConversationInfo{
		ID:                 s.meta.ID,
		CreatedAt:          s.meta.CreatedAt,
		UpdatedAt:          s.meta.UpdatedAt,
		Status:             s.statusLocked(),
		ConfirmationPolicy: s.meta.ConfirmationPolicy,
		MaxIterations:      s.meta.MaxIterations,
		Usage:              s.meta.Usage,
	}
}

// LastEventAt reports when the last event was appended.
func (s *EventService) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// Hooks exposes the block-verdict processor.
func (s *EventService) Hooks() *hooks.Processor { return s.hooks }

// SendMessage appends a user message and, when run is set and no hook has
// blocked the message, wakes the step loop.
func (s *EventService) SendMessage(msg *models.MessageEvent, run bool) error {
	if msg == nil || len(msg.Content) == 0 {
		return NewValidationError("message content must not be empty")
	}
	if msg.EventID() == "" {
		msg.BaseEvent = models.NewBase(models.KindMessage, models.SourceUser)
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.base == models.StatusError {
		s.mu.Unlock()
		return ErrPersistence
	}
	s.mu.Unlock()

	if _, err := s.log.Append(msg); err != nil {
		s.failPersistence(err)
		return ErrPersistence
	}

	if !run {
		return nil
	}
	if reason, blocked := s.hooks.MessageBlocked(msg.EventID()); blocked {
		s.logger.Info("Message blocked by hook, not running", "reason", reason)
		return nil
	}

	s.mu.Lock()
	if s.base == models.StatusIdle || s.base == models.StatusFinished {
		s.base = models.StatusRunning
		s.dispatchStateLocked()
	}
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

// Pause sets the advisory pause flag and appends a PauseEvent. While the
// conversation waits for confirmation the visible status stays
// WAITING_FOR_CONFIRMATION; the pause takes effect once that resolves.
func (s *EventService) Pause() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.base.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause a %s conversation", ErrConflict, s.base)
	}
	s.paused = true
	s.mu.Unlock()

	pause := &models.PauseEvent{BaseEvent: models.NewBase(models.KindPause, models.SourceUser)}
	if _, err := s.log.Append(pause); err != nil {
		s.failPersistence(err)
		return ErrPersistence
	}

	s.mu.Lock()
	s.dispatchStateLocked()
	s.mu.Unlock()
	return nil
}

// Resume clears the pause flag and wakes the loop if a run was in flight.
func (s *EventService) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.paused {
		return fmt.Errorf("%w: conversation is not paused", ErrConflict)
	}
	s.paused = false
	if s.base == models.StatusRunning {
		s.signalLocked()
	}
	s.dispatchStateLocked()
	return nil
}

// RespondToConfirmation resolves a pending action batch: accept resumes the
// run (the loop executes the batch), reject appends a UserRejectObservation
// per pending action and goes back to idle.
func (s *EventService) RespondToConfirmation(accept bool, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.statusLocked() != models.StatusWaitingForConfirmation {
		s.mu.Unlock()
		return fmt.Errorf("%w: no confirmation is pending", ErrConflict)
	}
	if accept {
		s.base = models.StatusRunning
		s.signalLocked()
		s.dispatchStateLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	pending := agent.PendingActions(s.log.All())
	for _, action := range pending {
		reject := &models.UserRejectObservation{
			BaseEvent:       models.NewBase(models.KindUserReject, models.SourceUser),
			RejectionReason: reason,
			ActionID:        action.EventID(),
			ToolName:        action.ToolName,
			ToolCallID:      action.ToolCallID,
		}
		if _, err := s.log.Append(reject); err != nil {
			s.failPersistence(err)
			return ErrPersistence
		}
	}

	s.mu.Lock()
	s.base = models.StatusIdle
	s.dispatchStateLocked()
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

// RequestCondensation appends a CondensationRequest and wakes the loop so
// the condenser runs on the next step.
func (s *EventService) RequestCondensation() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	request := &models.CondensationRequest{BaseEvent: models.NewBase(models.KindCondensationRequest, models.SourceUser)}
	if _, err := s.log.Append(request); err != nil {
		s.failPersistence(err)
		return ErrPersistence
	}
	return nil
}

// Event log delegation.

// SearchEvents pages through the log.
func (s *EventService) SearchEvents(cursor string, limit int, kind string, order events.SortOrder) ([]models.Event, string, error) {
	return s.log.Search(cursor, limit, kind, order)
}

// CountEvents counts events, optionally by kind.
func (s *EventService) CountEvents(kind string) int { return s.log.Count(kind) }

// GetEvent fetches one event by id.
func (s *EventService) GetEvent(id string) (models.Event, error) {
	evt, err := s.log.GetByID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return evt, nil
}

// BatchGetEvents returns events aligned with ids; missing entries are nil.
func (s *EventService) BatchGetEvents(ids []string) []models.Event { return s.log.BatchGet(ids) }

// Subscribe registers a subscriber for future events.
func (s *EventService) Subscribe(fn events.Subscriber) string { return s.pubsub.Subscribe(fn) }

// Unsubscribe removes a subscriber; unknown ids are a no-op.
func (s *EventService) Unsubscribe(id string) { s.pubsub.Unsubscribe(id) }

// StepEnv implementation for the step loop.

// Snapshot returns the event sequence in append order.
func (s *EventService) Snapshot() []models.Event { return s.log.All() }

// Append persists an event; non-persistable events only fan out.
func (s *EventService) Append(evt models.Event) error {
	if !models.IsPersistable(evt) {
		s.pubsub.Dispatch(evt)
		return nil
	}
	_, err := s.log.Append(evt)
	return err
}

// ConfirmationPolicy returns the active policy.
func (s *EventService) ConfirmationPolicy() models.ConfirmationPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.ConfirmationPolicy
}

// ActionBlocked consults the hook verdicts.
func (s *EventService) ActionBlocked(actionID string) (string, bool) {
	return s.hooks.ActionBlocked(actionID)
}

// MessageBlocked consults the hook verdicts.
func (s *EventService) MessageBlocked(messageID string) (string, bool) {
	return s.hooks.MessageBlocked(messageID)
}

// NotifyStuck broadcasts the current state so watchers see a heartbeat for
// a conversation flagged as stuck.
func (s *EventService) NotifyStuck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchStateLocked()
}

// Close stops the step loop cooperatively, drains subscribers, flushes
// webhooks, and persists metadata. Bounded by ctx.
func (s *EventService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	loopRunning := s.loopRunning
	s.mu.Unlock()

	s.cancelRun()
	if loopRunning {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
			s.logger.Warn("Timed out waiting for step loop to stop")
		}
	}

	// Drain queued fan-out first so webhook queues hold everything, then
	// flush them synchronously.
	s.pubsub.Close()
	for _, w := range s.webhooks {
		w.Close(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// --- step loop ---

func (s *EventService) signalLocked() {
	s.ensureLoopLocked()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// ensureLoopLocked launches the step loop goroutine on first demand.
// Callers hold the lock.
func (s *EventService) ensureLoopLocked() {
	if s.loopRunning || s.closed {
		return
	}
	s.loopRunning = true
	go s.loop()
}

func (s *EventService) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.signal:
		}
		s.runSteps()
	}
}

// runSteps drives steps until the status leaves RUNNING, the pause flag is
// set, or the iteration bound for this run is hit.
func (s *EventService) runSteps() {
	for iterations := 0; ; iterations++ {
		s.mu.Lock()
		if s.closed || s.paused || s.base != models.StatusRunning {
			s.mu.Unlock()
			return
		}
		maxIterations := s.meta.MaxIterations
		s.mu.Unlock()

		if maxIterations > 0 && iterations >= maxIterations {
			s.logger.Warn("Run reached max iterations", "max_iterations", maxIterations)
			s.mu.Lock()
			s.base = models.StatusIdle
			s.dispatchStateLocked()
			s.mu.Unlock()
			return
		}

		// An accepted confirmation leaves its batch pending; execute it
		// before asking the LLM anything new. The lock is not held across
		// LLM or tool calls.
		var res *agent.StepResult
		var err error
		if pending := agent.PendingActions(s.log.All()); len(pending) > 0 {
			var status models.ExecutionStatus
			status, err = s.stepper.ExecuteActions(s.runCtx, s, pending)
			res = &agent.StepResult{Status: status}
		} else {
			res, err = s.stepper.Step(s.runCtx, s)
		}

		s.mu.Lock()
		if err != nil {
			s.logger.Error("Step failed", "error", err)
			s.base = models.StatusError
		} else {
			if res.LLMCalled {
				s.meta.Usage.Add(res.PromptTokens, res.CompletionTokens)
			}
			if res.Status != models.StatusRunning {
				s.base = res.Status
			}
		}
		s.meta.UpdatedAt = time.Now().UTC()
		if persistErr := s.persistLocked(); persistErr != nil {
			s.logger.Error("Failed to persist conversation state", "error", persistErr)
			s.base = models.StatusError
		}
		s.dispatchStateLocked()
		stop := s.closed || s.paused || s.base != models.StatusRunning
		s.mu.Unlock()
		if stop {
			return
		}
	}
}

// failPersistence transitions to ERROR after a failed write.
func (s *EventService) failPersistence(err error) {
	s.logger.Error("Persistence failure", "error", err)
	s.mu.Lock()
	s.base = models.StatusError
	s.dispatchStateLocked()
	s.mu.Unlock()
}

// persistLocked writes meta.json and base_state.json. Callers hold the
// lock.
func (s *EventService) persistLocked() error {
	meta, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation metadata: %w", err)
	}
	if err := s.store.Write(metaKey(s.id), meta); err != nil {
		return fmt.Errorf("failed to write conversation metadata: %w", err)
	}

	blockedActions, blockedMessages := s.hooks.Snapshot()
	state, err := json.Marshal(models.BaseState{
		Status:             s.statusLocked(),
		ConfirmationPolicy: s.meta.ConfirmationPolicy,
		BlockedActions:     blockedActions,
		BlockedMessages:    blockedMessages,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal base state: %w", err)
	}
	if err := s.store.Write(baseStateKey(s.id), state); err != nil {
		return fmt.Errorf("failed to write base state: %w", err)
	}
	return nil
}

// dispatchStateLocked fans out a non-persisted state update event.
func (s *EventService) dispatchStateLocked() {
	s.pubsub.Dispatch(&models.ConversationStateUpdateEvent{
		BaseEvent:          models.NewBase(models.KindConversationStateUpdate, models.SourceEnvironment),
		Status:             s.statusLocked(),
		ConfirmationPolicy: s.meta.ConfirmationPolicy,
		Stats:              s.meta.Usage,
	})
}
