// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "log"

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn pairs one user message with its (possibly absent) assistant reply.
// A turn with a nil Assistant is pending; the pairing is the atomic unit of
// conversation history.
type Turn struct {
	ID        uint64
	User      Message
	Assistant *Message
}

// Pending returns true while the assistant reply has not been recorded.
func (t *Turn) Pending() bool {
	return t.Assistant == nil
}

// TotalTokens returns the combined token cost of both sides of the turn.
func (t *Turn) TotalTokens() int {
	total := t.User.Tokens
	if t.Assistant != nil {
		total += t.Assistant.Tokens
	}
	return total
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds one chat's rolling history together with the per-chat
// settings loaded from storage. Turns are ordered oldest-first with strictly
// increasing ids; ids are never reused within the conversation's lifetime.
//
// promptTokens always equals the sum of TotalTokens over the current turns.
// Every mutation of the turn sequence updates it in the same step.
//
// Conversation is not safe for concurrent use; the session store serializes
// access with a per-chat lock.
type Conversation struct {
	ChatID int64

	// Per-chat settings from the chats row.
	Authorized   bool
	APIKey       string
	Model        string
	SystemPrompt *Message
	DisplayName  string

	turns        []*Turn
	promptTokens int
	nextTurnID   uint64
}

// NewConversation creates an empty conversation for a chat.
func NewConversation(chatID int64) *Conversation {
	return &Conversation{
		ChatID:     chatID,
		nextTurnID: 1,
	}
}

// =============================================================================
// TURN LIFECYCLE
// =============================================================================

// OpenPendingTurn appends a new pending turn holding the user message and
// returns its id. The token total grows by the user message's cost.
//
// Multiple pending turns are not rejected here; per-chat exclusivity is the
// session store's job.
func (c *Conversation) OpenPendingTurn(user Message) uint64 {
	id := c.nextTurnID
	c.nextTurnID++

	c.turns = append(c.turns, &Turn{ID: id, User: user})
	c.promptTokens += user.Tokens

	return id
}

// CommitTurn attaches the assistant message to the turn with the given id and
// adds its token cost. A missing id is a no-op returning false: the turn may
// already have been evicted or discarded while the provider call was in
// flight, and that is never fatal.
func (c *Conversation) CommitTurn(id uint64, assistant Message) bool {
	turn := c.findTurn(id)
	if turn == nil {
		return false
	}

	msg := assistant
	turn.Assistant = &msg
	c.promptTokens += msg.Tokens

	return true
}

// DiscardTurn removes the turn with the given id, pending or complete,
// refunding its full token cost. Returns false if the id is not present.
// Used on provider-call failure so an unanswered turn is neither counted
// against the budget nor sent upstream as unpaired context.
func (c *Conversation) DiscardTurn(id uint64) bool {
	for i, turn := range c.turns {
		if turn.ID == id {
			c.promptTokens -= turn.TotalTokens()
			c.turns = append(c.turns[:i], c.turns[i+1:]...)
			return true
		}
	}
	return false
}

// AppendCompleteTurn appends an already-answered turn, used when rebuilding a
// conversation from stored history. Returns the new turn's id.
func (c *Conversation) AppendCompleteTurn(user, assistant Message) uint64 {
	id := c.OpenPendingTurn(user)
	c.CommitTurn(id, assistant)
	return id
}

// findTurn locates a turn by id. Linear scan is fine: per-chat turn counts
// stay small because pruning bounds the history.
func (c *Conversation) findTurn(id uint64) *Turn {
	for _, turn := range c.turns {
		if turn.ID == id {
			return turn
		}
	}
	return nil
}

// =============================================================================
// PRUNING
// =============================================================================

// PruneToBudget evicts complete turns from the oldest end until the token
// total fits the budget. A pending turn is never evicted: eviction stops when
// the front turn is pending, and fit=false reports that the budget is still
// exceeded. That outcome is non-fatal; the caller logs and proceeds
// over-budget rather than corrupting state.
func (c *Conversation) PruneToBudget(budget int) (evicted int, fit bool) {
	for c.promptTokens > budget {
		if len(c.turns) == 0 {
			break
		}
		front := c.turns[0]
		if front.Pending() {
			return evicted, false
		}
		c.promptTokens -= front.TotalTokens()
		c.turns = c.turns[1:]
		evicted++
	}
	return evicted, c.promptTokens <= budget
}

// =============================================================================
// ACCESSORS
// =============================================================================

// PromptTokens returns the running token total over all turns.
func (c *Conversation) PromptTokens() int {
	return c.promptTokens
}

// TurnCount returns the number of turns currently held.
func (c *Conversation) TurnCount() int {
	return len(c.turns)
}

// Messages flattens the turns into the ordered message sequence sent to the
// provider: user then assistant per turn, oldest first. Pending turns
// contribute only their user message. The system prompt is not included; it
// travels separately so callers can reserve its tokens up front.
func (c *Conversation) Messages() []Message {
	out := make([]Message, 0, 2*len(c.turns))
	for _, turn := range c.turns {
		out = append(out, turn.User)
		if turn.Assistant != nil {
			out = append(out, *turn.Assistant)
		}
	}
	return out
}

// recomputeTokens re-derives the token total from scratch. Kept for the
// consistency check below; the incremental total is authoritative.
func (c *Conversation) recomputeTokens() int {
	total := 0
	for _, turn := range c.turns {
		total += turn.TotalTokens()
	}
	return total
}

// CheckTokenInvariant logs if the incremental token total has drifted from
// the recomputed sum and returns whether they agree.
func (c *Conversation) CheckTokenInvariant() bool {
	recomputed := c.recomputeTokens()
	if recomputed != c.promptTokens {
		log.Printf("WARN chat %d: token total %d != recomputed %d", c.ChatID, c.promptTokens, recomputed)
		return false
	}
	return true
}
