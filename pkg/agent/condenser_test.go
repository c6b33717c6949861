package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd-project/agentd/pkg/models"
)

func TestCondenserSkipsSmallViews(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{ID: "r1", Content: "summary"}}}
	c := NewLLMSummarizingCondenser(llm, models.LLMConfig{Model: "m"}, 2, 2)

	view := BuildView([]models.Event{systemPrompt(), userMessage("one"), userMessage("two")})
	condensation, err := c.Condense(context.Background(), view)
	require.NoError(t, err)
	assert.Nil(t, condensation)
	assert.Zero(t, llm.calls)
}

func TestCondenserForgetsMiddle(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{ID: "r1", Content: "they counted"}}}
	c := NewLLMSummarizingCondenser(llm, models.LLMConfig{Model: "m"}, 1, 1)

	sys := systemPrompt()
	m1 := userMessage("one")
	m2 := userMessage("two")
	m3 := userMessage("three")
	view := BuildView([]models.Event{sys, m1, m2, m3})

	condensation, err := c.Condense(context.Background(), view)
	require.NoError(t, err)
	require.NotNil(t, condensation)

	assert.ElementsMatch(t, []string{m1.EventID(), m2.EventID()}, condensation.ForgottenEventIDs)
	assert.Equal(t, "they counted", condensation.Summary)
	require.NotNil(t, condensation.SummaryOffset)
	assert.Equal(t, 1, *condensation.SummaryOffset)
	assert.Equal(t, 1, llm.calls)

	// Applying the condensation yields head, summary, tail.
	after := BuildView([]models.Event{sys, m1, m2, m3, condensation})
	require.Len(t, after.Events, 3)
	assert.Equal(t, sys.EventID(), after.Events[0].EventID())
	summary, ok := after.Events[1].(*models.CondensationSummaryEvent)
	require.True(t, ok)
	assert.Equal(t, "they counted", summary.Summary)
	assert.Equal(t, m3.EventID(), after.Events[2].EventID())
}

func TestCondenserNeverSplitsBatches(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{ID: "r1", Content: "summary"}}}
	c := NewLLMSummarizingCondenser(llm, models.LLMConfig{Model: "m"}, 1, 2)

	sys := systemPrompt()
	a1 := action("call-1", "resp-1")
	a2 := action("call-2", "resp-1")
	o1 := observation(a1)
	o2 := observation(a2)
	// keepLast=2 would cut through the batch's observations; the batch
	// expansion pulls both actions into the forgotten set.
	view := BuildView([]models.Event{sys, userMessage("hi"), a1, a2, o1, o2})

	condensation, err := c.Condense(context.Background(), view)
	require.NoError(t, err)
	require.NotNil(t, condensation)

	forgotten := make(map[string]bool)
	for _, id := range condensation.ForgottenEventIDs {
		forgotten[id] = true
	}
	assert.Equal(t, forgotten[a1.EventID()], forgotten[a2.EventID()])
}

func TestCondenserPropagatesLLMFailure(t *testing.T) {
	llm := &scriptedLLM{errs: []error{MarkTransient(assert.AnError)}}
	c := NewLLMSummarizingCondenser(llm, models.LLMConfig{Model: "m"}, 1, 1)

	view := BuildView([]models.Event{systemPrompt(), userMessage("a"), userMessage("b"), userMessage("c")})
	_, err := c.Condense(context.Background(), view)
	assert.Error(t, err)
}
