package conversation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd-project/agentd/pkg/agent"
	"github.com/agentd-project/agentd/pkg/bash"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/store"
	"github.com/agentd-project/agentd/pkg/workspace"
)

// scriptedLLM replays canned responses. When the script runs out it keeps
// returning the last response so iteration-bound tests can loop.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*agent.LLMResponse
	calls     int
	lastReq   *agent.CompletionRequest
}

func (l *scriptedLLM) Complete(_ context.Context, req *agent.CompletionRequest) (*agent.LLMResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastReq = req
	idx := l.calls
	l.calls++
	if idx >= len(l.responses) {
		idx = len(l.responses) - 1
	}
	return l.responses[idx], nil
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *scriptedLLM) lastRequest() *agent.CompletionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastReq
}

func messageResponse(text string) *agent.LLMResponse {
	return &agent.LLMResponse{ID: "resp-msg", Content: text, PromptTokens: 10, CompletionTokens: 5}
}

func toolResponse(id, name string, args string) *agent.LLMResponse {
	return &agent.LLMResponse{
		ID:               "resp-" + id,
		Content:          "calling " + name,
		ToolCalls:        []agent.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		PromptTokens:     10,
		CompletionTokens: 5,
	}
}

type testHarness struct {
	service *Service
	llm     *scriptedLLM
	wsRoot  string
}

func newHarness(t *testing.T, responses ...*agent.LLMResponse) *testHarness {
	t.Helper()
	return newHarnessAt(t, t.TempDir(), responses...)
}

func newHarnessAt(t *testing.T, root string, responses ...*agent.LLMResponse) *testHarness {
	t.Helper()

	st, err := store.NewFSStore(filepath.Join(root, "conversations"))
	require.NoError(t, err)
	ws, err := workspace.NewManager(filepath.Join(root, "workspace"))
	require.NoError(t, err)
	bashStore, err := store.NewFSStore(filepath.Join(root, "bash_events"))
	require.NoError(t, err)
	bashEvents, err := bash.NewEventStore(bashStore)
	require.NoError(t, err)

	llm := &scriptedLLM{responses: responses}
	svc, err := NewService(Options{
		Store:      st,
		Workspaces: ws,
		BashEvents: bashEvents,
		LLMFactory: func(models.LLMConfig) (agent.LLMClient, error) { return llm, nil },
		DefaultLLM: models.LLMConfig{Provider: "anthropic", Model: "test-model"},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return &testHarness{service: svc, llm: llm, wsRoot: filepath.Join(root, "workspace")}
}

func startRequest(policy models.ConfirmationPolicyKind, text string) *StartConversationRequest {
	req := &StartConversationRequest{
		Agent: models.AgentSpec{
			LLM:          models.LLMConfig{Provider: "anthropic", Model: "test-model"},
			SystemPrompt: "You are a helpful assistant.",
		},
		ConfirmationPolicy: &models.ConfirmationPolicy{Kind: policy},
		MaxIterations:      10,
	}
	if text != "" {
		req.InitialMessage = &InitialMessage{
			Content: []models.ContentBlock{models.TextBlock(text)},
			Run:     true,
		}
	}
	return req
}

func waitStatus(t *testing.T, svc *EventService, want models.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.Status() == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for status %s, last seen %s", want, svc.Status())
}

func eventKinds(evts []models.Event) []string {
	kinds := make([]string, len(evts))
	for i, evt := range evts {
		kinds[i] = evt.EventKind()
	}
	return kinds
}

func TestRunToCompletion(t *testing.T) {
	h := newHarness(t, messageResponse("The answer is 4."))

	info, err := h.service.Start(startRequest(models.ConfirmNever, "what is 2+2?"))
	require.NoError(t, err)
	require.Len(t, info.ID, 32)

	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusFinished)

	assert.Equal(t, []string{
		models.KindSystemPrompt,
		models.KindMessage,
		models.KindMessage,
	}, eventKinds(svc.Snapshot()))

	last := svc.Snapshot()[2].(*models.MessageEvent)
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Equal(t, "The answer is 4.", models.JoinText(last.Content))

	usage := svc.Info().Usage
	assert.Equal(t, int64(10), usage.PromptTokens)
	assert.Equal(t, int64(5), usage.CompletionTokens)
	assert.Equal(t, int64(1), usage.LLMCalls)
}

func TestFinishToolEndsRun(t *testing.T) {
	h := newHarness(t, toolResponse("c1", "finish", `{"message":"done"}`))

	info, err := h.service.Start(startRequest(models.ConfirmAlways, "do the thing"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)

	// A lone finish call terminates even under an always-confirm policy.
	waitStatus(t, svc, models.StatusFinished)

	assert.Equal(t, []string{
		models.KindSystemPrompt,
		models.KindMessage,
		models.KindAction,
		models.KindObservation,
	}, eventKinds(svc.Snapshot()))

	obs := svc.Snapshot()[3].(*models.ObservationEvent)
	assert.Equal(t, "done", obs.Observation.Content)
	assert.False(t, obs.Observation.IsError)
}

func TestConfirmationAccept(t *testing.T) {
	h := newHarness(t,
		toolResponse("c1", "write_file", `{"path":"notes.txt","content":"hello"}`),
		messageResponse("File written."),
	)

	info, err := h.service.Start(startRequest(models.ConfirmAlways, "write notes.txt"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusWaitingForConfirmation)

	require.NoError(t, svc.RespondToConfirmation(true, ""))
	waitStatus(t, svc, models.StatusFinished)

	data, err := os.ReadFile(filepath.Join(h.wsRoot, info.ID, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.Equal(t, 1, svc.CountEvents(models.KindObservation))
	assert.Equal(t, 2, h.llm.callCount())
}

func TestConfirmationReject(t *testing.T) {
	h := newHarness(t, toolResponse("c1", "bash", `{"command":"rm -rf /"}`))

	info, err := h.service.Start(startRequest(models.ConfirmAlways, "clean up"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusWaitingForConfirmation)

	require.NoError(t, svc.RespondToConfirmation(false, "not safe"))
	waitStatus(t, svc, models.StatusIdle)

	require.Equal(t, 1, svc.CountEvents(models.KindUserReject))
	evts := svc.Snapshot()
	reject := evts[len(evts)-1].(*models.UserRejectObservation)
	assert.Equal(t, "not safe", reject.RejectionReason)
	assert.Equal(t, "bash", reject.ToolName)

	// Rejecting twice is a conflict.
	err = svc.RespondToConfirmation(false, "again")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPausePreservesWaitingForConfirmation(t *testing.T) {
	h := newHarness(t,
		toolResponse("c1", "write_file", `{"path":"a.txt","content":"x"}`),
		messageResponse("done"),
	)

	info, err := h.service.Start(startRequest(models.ConfirmAlways, "write a.txt"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusWaitingForConfirmation)

	// Pausing while a confirmation is pending does not hide the question.
	require.NoError(t, h.service.Pause(info.ID))
	assert.Equal(t, models.StatusWaitingForConfirmation, svc.Status())

	// Accepting resolves the confirmation; the pause now takes effect
	// before the batch runs.
	require.NoError(t, svc.RespondToConfirmation(true, ""))
	waitStatus(t, svc, models.StatusPaused)
	assert.Equal(t, 0, svc.CountEvents(models.KindObservation))

	require.NoError(t, h.service.Resume(info.ID))
	waitStatus(t, svc, models.StatusFinished)
	assert.Equal(t, 1, svc.CountEvents(models.KindObservation))
}

func TestPauseAndResumeIdle(t *testing.T) {
	h := newHarness(t, messageResponse("hi"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)

	require.NoError(t, h.service.Pause(info.ID))
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, svc.Status())
	assert.Equal(t, 1, svc.CountEvents(models.KindPause))

	// Resuming when nothing was running goes back to idle.
	require.NoError(t, h.service.Resume(info.ID))
	assert.Equal(t, models.StatusIdle, svc.Status())

	err = h.service.Resume(info.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPauseFinishedConflicts(t *testing.T) {
	h := newHarness(t, messageResponse("bye"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, "hello"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusFinished)

	err = h.service.Pause(info.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)

	var validationErr *ValidationError
	err = svc.SendMessage(&models.MessageEvent{}, true)
	require.ErrorAs(t, err, &validationErr)
}

func TestSendMessageRestartsFinishedConversation(t *testing.T) {
	h := newHarness(t, messageResponse("first"), messageResponse("second"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, "one"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusFinished)

	msg := &models.MessageEvent{Content: []models.ContentBlock{models.TextBlock("two")}}
	require.NoError(t, svc.SendMessage(msg, true))
	waitStatus(t, svc, models.StatusFinished)
	assert.Equal(t, 2, h.llm.callCount())
	assert.Equal(t, 4, svc.CountEvents(models.KindMessage))
}

func TestBlockedMessageNeverReachesLLM(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)

	blocked := &models.MessageEvent{
		BaseEvent: models.NewBase(models.KindMessage, models.SourceUser),
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{models.TextBlock("do the forbidden thing")},
	}
	svc.Hooks().BlockMessage(blocked.EventID(), "flagged by hook")

	// The blocked message is stored but does not trigger a run.
	require.NoError(t, svc.SendMessage(blocked, true))
	assert.Equal(t, models.StatusIdle, svc.Status())
	assert.Equal(t, 0, h.llm.callCount())
	assert.Equal(t, 1, svc.CountEvents(models.KindMessage))

	// A later run must not show it to the model either.
	follow := &models.MessageEvent{Content: []models.ContentBlock{models.TextBlock("hello")}}
	require.NoError(t, svc.SendMessage(follow, true))
	waitStatus(t, svc, models.StatusFinished)

	req := h.llm.lastRequest()
	require.NotNil(t, req)
	for _, msg := range req.Messages {
		assert.NotContains(t, msg.Content, "forbidden")
	}
}

func TestMaxIterationsStopsRun(t *testing.T) {
	// The model keeps calling bash forever; the iteration bound ends the
	// run without an error state.
	h := newHarness(t, toolResponse("c1", "bash", `{"command":"true"}`))

	req := startRequest(models.ConfirmNever, "loop forever")
	req.MaxIterations = 3
	info, err := h.service.Start(req)
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)

	waitStatus(t, svc, models.StatusIdle)
	assert.Equal(t, 3, svc.CountEvents(models.KindAction))
	assert.Equal(t, 3, h.llm.callCount())
}

func TestReloadRestoresConversations(t *testing.T) {
	root := t.TempDir()
	h := newHarnessAt(t, root, messageResponse("saved"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, "persist me"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusFinished)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.service.Close(ctx))

	h2 := newHarnessAt(t, root, messageResponse("again"))
	restored, err := h2.service.EventService(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, restored.Status())
	assert.Equal(t, []string{
		models.KindSystemPrompt,
		models.KindMessage,
		models.KindMessage,
	}, eventKinds(restored.Snapshot()))
	usage := restored.Info().Usage
	assert.Equal(t, int64(1), usage.LLMCalls)
}

func TestReloadedConversationRunsOnDemand(t *testing.T) {
	root := t.TempDir()
	h := newHarnessAt(t, root, messageResponse("first"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, "one"))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	waitStatus(t, svc, models.StatusFinished)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.service.Close(ctx))

	// Restoration alone stays dormant: no model calls, no new events.
	h2 := newHarnessAt(t, root, messageResponse("second"))
	restored, err := h2.service.EventService(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, h2.llm.callCount())
	assert.Equal(t, 1, restored.CountEvents(models.KindSystemPrompt))

	msg := &models.MessageEvent{Content: []models.ContentBlock{models.TextBlock("two")}}
	require.NoError(t, restored.SendMessage(msg, true))
	waitStatus(t, restored, models.StatusFinished)
	assert.Equal(t, 1, h2.llm.callCount())
}

func TestReloadRemovesCorruptedDirectories(t *testing.T) {
	root := t.TempDir()
	st, err := store.NewFSStore(filepath.Join(root, "conversations"))
	require.NoError(t, err)
	require.NoError(t, st.Write("deadbeef/stray.json", []byte("{}")))
	require.NoError(t, st.Write("cafebabe/meta.json", []byte("not json")))

	h := newHarnessAt(t, root)
	assert.Equal(t, 0, h.service.Count(""))

	assert.False(t, st.Exists("deadbeef/stray.json"))
	assert.False(t, st.Exists("cafebabe/meta.json"))
}

func TestDeleteRemovesEverything(t *testing.T) {
	h := newHarness(t, messageResponse("gone"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)

	wsDir := filepath.Join(h.wsRoot, info.ID)
	_, err = os.Stat(wsDir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.service.Delete(ctx, info.ID))

	_, err = h.service.Get(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(wsDir)
	assert.True(t, os.IsNotExist(err))

	err = h.service.Delete(ctx, info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchAndCount(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
		require.NoError(t, err)
		ids = append(ids, info.ID)
		time.Sleep(5 * time.Millisecond)
	}

	page, next, err := h.service.Search("", 2, "", SortCreatedAtDesc)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
	require.NotEmpty(t, next)

	page, next, err = h.service.Search(next, 2, "", SortCreatedAtDesc)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Empty(t, next)

	page, _, err = h.service.Search("", 10, "", SortCreatedAt)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID)

	assert.Equal(t, 3, h.service.Count(""))
	assert.Equal(t, 3, h.service.Count(models.StatusIdle))
	assert.Equal(t, 0, h.service.Count(models.StatusRunning))

	_, _, err = h.service.Search("", 10, "", "BOGUS")
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestBatchGetAlignsWithIDs(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)

	infos := h.service.BatchGet([]string{"missing", info.ID})
	require.Len(t, infos, 2)
	assert.Nil(t, infos[0])
	require.NotNil(t, infos[1])
	assert.Equal(t, info.ID, infos[1].ID)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))
	var validationErr *ValidationError

	_, err := h.service.Start(nil)
	require.ErrorAs(t, err, &validationErr)

	req := startRequest(models.ConfirmNever, "")
	req.InitialMessage = &InitialMessage{}
	_, err = h.service.Start(req)
	require.ErrorAs(t, err, &validationErr)

	// Unknown tool restrictions fail fast.
	req = startRequest(models.ConfirmNever, "")
	req.Agent.Tools = []string{"teleport"}
	_, err = h.service.Start(req)
	require.ErrorAs(t, err, &validationErr)
}

func TestToolRestriction(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))

	req := startRequest(models.ConfirmNever, "")
	req.Agent.Tools = []string{"bash"}
	info, err := h.service.Start(req)
	require.NoError(t, err)

	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)
	prompt := svc.Snapshot()[0].(*models.SystemPromptEvent)
	names := make([]string, len(prompt.Tools))
	for i, tool := range prompt.Tools {
		names[i] = tool.Name
	}
	// The finish tool is always kept so runs can terminate.
	assert.Equal(t, []string{"bash", "finish"}, names)
}

func TestRequestCondensation(t *testing.T) {
	h := newHarness(t, messageResponse("ok"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)

	require.NoError(t, svc.RequestCondensation())
	assert.Equal(t, 1, svc.CountEvents(models.KindCondensationRequest))
}

func TestSubscribeSeesLiveEvents(t *testing.T) {
	h := newHarness(t, messageResponse("streamed"))

	info, err := h.service.Start(startRequest(models.ConfirmNever, ""))
	require.NoError(t, err)
	svc, err := h.service.EventService(info.ID)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	subID := svc.Subscribe(func(evt models.Event) {
		mu.Lock()
		seen = append(seen, evt.EventKind())
		mu.Unlock()
	})
	defer svc.Unsubscribe(subID)

	msg := &models.MessageEvent{Content: []models.ContentBlock{models.TextBlock("go")}}
	require.NoError(t, svc.SendMessage(msg, true))
	waitStatus(t, svc, models.StatusFinished)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for _, kind := range seen {
			if kind == models.KindMessage {
				count++
			}
		}
		return count >= 2
	}, 5*time.Second, 5*time.Millisecond)
}
