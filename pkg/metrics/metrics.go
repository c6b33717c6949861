// Package metrics exposes Prometheus counters for the runtime's hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts events appended across all conversations.
	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentd_events_appended_total",
		Help: "Total events appended to conversation logs.",
	})

	// StepsExecuted counts agent step iterations.
	StepsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentd_steps_executed_total",
		Help: "Total agent step iterations executed.",
	})

	// LLMCalls counts LLM completion attempts by outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_llm_calls_total",
		Help: "Total LLM completion attempts.",
	}, []string{"outcome"})

	// WebhookPosts counts webhook batch deliveries by outcome.
	WebhookPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_webhook_posts_total",
		Help: "Total webhook batch POST attempts.",
	}, []string{"outcome"})

	// ConversationsActive tracks the number of loaded conversations.
	ConversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_conversations_active",
		Help: "Number of conversations currently loaded.",
	})
)
