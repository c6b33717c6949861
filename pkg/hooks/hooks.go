// Package hooks tracks actions and user messages that policy hooks have
// blocked. The maps live inside the conversation's persisted base state so
// blocks survive a restart.
package hooks

import (
	"sync"
)

// Processor answers "is this blocked?" for the step loop and the message
// intake path. Hook evaluation itself happens out of process; evaluators
// record their verdicts here.
type Processor struct {
	mu              sync.RWMutex
	blockedActions  map[string]string
	blockedMessages map[string]string
}

// NewProcessor starts with the given maps, typically restored from base
// state. Nil maps are fine.
func NewProcessor(blockedActions, blockedMessages map[string]string) *Processor {
	if blockedActions == nil {
		blockedActions = make(map[string]string)
	}
	if blockedMessages == nil {
		blockedMessages = make(map[string]string)
	}
	return &Processor{blockedActions: blockedActions, blockedMessages: blockedMessages}
}

// BlockAction records a pre-tool-use verdict against an action id.
func (p *Processor) BlockAction(actionID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockedActions[actionID] = reason
}

// ActionBlocked reports the verdict for an action id.
func (p *Processor) ActionBlocked(actionID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	reason, ok := p.blockedActions[actionID]
	return reason, ok
}

// BlockMessage records a prompt-submit verdict against a message event id.
func (p *Processor) BlockMessage(messageID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockedMessages[messageID] = reason
}

// MessageBlocked reports the verdict for a message event id.
func (p *Processor) MessageBlocked(messageID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	reason, ok := p.blockedMessages[messageID]
	return reason, ok
}

// Snapshot copies both maps for persistence.
func (p *Processor) Snapshot() (blockedActions, blockedMessages map[string]string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	blockedActions = make(map[string]string, len(p.blockedActions))
	for k, v := range p.blockedActions {
		blockedActions[k] = v
	}
	blockedMessages = make(map[string]string, len(p.blockedMessages))
	for k, v := range p.blockedMessages {
		blockedMessages[k] = v
	}
	return blockedActions, blockedMessages
}
