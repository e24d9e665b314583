// Package convo tracks logical, engine-independent conversations and the
// opaque continuation blob the last turn left behind.
package convo

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/devboard/internal/model"
)

var ErrNotFound = errors.New("conversation not found")

type Registry struct {
	mu     sync.Mutex
	convos map[string]*model.Conversation
}

func NewRegistry() *Registry {
	return &Registry{
		convos: map[string]*model.Conversation{},
	}
}

// Create mints a fresh conversation with a unique id.
func (r *Registry) Create() model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	c := &model.Conversation{
		ConversationID: "conv-" + uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.convos[c.ConversationID] = c
	return *c
}

// StartOrContinue returns a fresh conversation when id is empty, or the
// existing one. Unknown ids fail with ErrNotFound; starting fresh instead is
// the caller's policy call.
func (r *Registry) StartOrContinue(id string) (model.Conversation, error) {
	if id == "" {
		return r.Create(), nil
	}
	return r.Get(id)
}

// Get returns a copy of the conversation.
func (r *Registry) Get(id string) (model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.convos[id]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	out := *c
	out.Turns = append([]model.Turn(nil), c.Turns...)
	return out, nil
}

// RecordTurn appends a completed turn and updates the continuation blob and
// last engine. Recording against a deleted conversation is a no-op error so a
// racing terminate cannot resurrect it.
func (r *Registry) RecordTurn(id, engine, continuation string, turn model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.convos[id]
	if !ok {
		return ErrNotFound
	}
	c.Turns = append(c.Turns, turn)
	c.LastEngine = engine
	c.Continuation = continuation
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes the conversation. Idempotent: deleting an unknown id is a
// no-op, tolerating client double-delete on retry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convos, id)
}

func (r *Registry) List() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Conversation, 0, len(r.convos))
	for _, c := range r.convos {
		cp := *c
		cp.Turns = append([]model.Turn(nil), c.Turns...)
		out = append(out, cp)
	}
	return out
}
