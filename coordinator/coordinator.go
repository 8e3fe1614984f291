// Package coordinator implements the Message Coordinator of spec.md
// 4.K: one watch loop per conversation that drives observed messages
// through the Receive pipeline, deduplicated by an in-flight set, and
// auto-starts/stops those loops as the device's conversation
// membership changes.
package coordinator

import (
	"context"
	"sync"

	"github.com/onetimepad/otpcore/internal/worker"
	"github.com/onetimepad/otpcore/keystore"
	"github.com/onetimepad/otpcore/localindex"
	"github.com/onetimepad/otpcore/pipeline"
	"github.com/onetimepad/otpcore/store"
	logging "gopkg.in/op/go-logging.v1"
)

// Coordinator owns one watch loop per conversation this device
// currently participates in.
type Coordinator struct {
	store      store.Store
	pipeline   *pipeline.Pipeline
	log        *logging.Logger
	localIndex *localindex.Index

	mu       sync.Mutex
	watchers map[string]*conversationWatcher
}

// New returns a Coordinator backed by p. log may be nil.
func New(s store.Store, p *pipeline.Pipeline, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.MustGetLogger("coordinator")
	}
	return &Coordinator{store: s, pipeline: p, log: log, watchers: map[string]*conversationWatcher{}}
}

// WithLocalIndex attaches idx as the accelerator behind "already
// stored locally?" (spec.md 4.K), consulted instead of scanning
// keystore's JSON sidecars directly. idx may be nil to restore the
// plain keystore scan, mirroring keystore.Store.WithPassphrase's
// chainable setter pattern.
func (c *Coordinator) WithLocalIndex(idx *localindex.Index) *Coordinator {
	c.localIndex = idx
	return c
}

// alreadyStored answers "already stored locally?" from localIndex
// when one is attached (an O(1) bbolt lookup), falling back to
// keystore's directory scan otherwise.
func (c *Coordinator) alreadyStored(convID, messageID string) (bool, error) {
	if c.localIndex != nil {
		return c.localIndex.IsProcessed(convID, messageID)
	}
	return c.pipeline.Keystore.HasMessage(convID, messageID)
}

type conversationWatcher struct {
	worker.Worker
	unsubscribe store.Unsubscribe

	mu       sync.Mutex
	inFlight map[string]bool
}

// StartForConversation subscribes to convID's messages stream and
// hands every newly-observed message, not already stored locally and
// not already in flight, to the Receive pipeline. Calling it again for
// a conversation already being watched is a no-op.
func (c *Coordinator) StartForConversation(ctx context.Context, convID string) error {
	c.mu.Lock()
	if _, running := c.watchers[convID]; running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	events, unsub, err := c.store.StreamMessages(ctx, convID)
	if err != nil {
		return err
	}

	w := &conversationWatcher{unsubscribe: unsub, inFlight: map[string]bool{}}
	c.mu.Lock()
	c.watchers[convID] = w
	c.mu.Unlock()

	w.Go(func() {
		for {
			select {
			case <-w.HaltCh():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Deleted || ev.Message == nil {
					continue
				}
				c.handleObserved(ctx, convID, w, ev.Message)
			}
		}
	})
	return nil
}

func (c *Coordinator) handleObserved(ctx context.Context, convID string, w *conversationWatcher, msg *store.EncryptedMessage) {
	id := msg.ID()

	w.mu.Lock()
	if w.inFlight[id] {
		w.mu.Unlock()
		return
	}
	has, err := c.alreadyStored(convID, id)
	if err != nil {
		w.mu.Unlock()
		c.log.Errorf("coordinator: check local storage for %s/%s: %v", convID, id, err)
		return
	}
	if has {
		w.mu.Unlock()
		return
	}
	w.inFlight[id] = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.inFlight, id)
		w.mu.Unlock()
	}()

	// Failure semantics (spec.md 4.K): local state is left untouched on
	// error, so the next stream tick or rescan retries naturally.
	if err := c.pipeline.Receive(ctx, convID, msg); err != nil {
		c.log.Errorf("coordinator: receive %s/%s: %v", convID, id, err)
		return
	}
	if c.localIndex != nil {
		if err := c.localIndex.MarkProcessed(convID, id); err != nil {
			c.log.Errorf("coordinator: mark %s/%s processed in local index: %v", convID, id, err)
		}
	}
}

// RescanConversation runs a one-shot drain over every message
// currently in convID's collection, oldest first (spec.md 4.K
// rescanConversation).
func (c *Coordinator) RescanConversation(ctx context.Context, convID string) error {
	return c.pipeline.Rescan(ctx, convID)
}

// StopForConversation cancels convID's subscription and releases its
// watcher.
func (c *Coordinator) StopForConversation(convID string) {
	c.mu.Lock()
	w, ok := c.watchers[convID]
	if ok {
		delete(c.watchers, convID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	w.Halt()
	w.unsubscribe()
}

// Watching reports whether convID currently has an active watcher.
func (c *Coordinator) Watching(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[convID]
	return ok
}

// SyncMembership starts a watcher for every conversation id in
// current not already running, and stops every running watcher whose
// id is absent from current. This is the practical form of "subscribe
// to the user's conversation list and auto-start/auto-stop on
// membership changes" (spec.md 4.K): the shared store exposes no
// conversation-list stream in this module's scope (spec.md §6 lists
// only per-collection streams), so membership is driven by whatever
// the host polls — typically keystore's local roster cache.
func (c *Coordinator) SyncMembership(ctx context.Context, current []string) error {
	want := make(map[string]bool, len(current))
	for _, id := range current {
		want[id] = true
	}

	c.mu.Lock()
	var toStop []string
	for id := range c.watchers {
		if !want[id] {
			toStop = append(toStop, id)
		}
	}
	c.mu.Unlock()
	for _, id := range toStop {
		c.StopForConversation(id)
	}

	for id := range want {
		if !c.Watching(id) {
			if err := c.StartForConversation(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// RosterConvIDs extracts the conversation id list from a keystore
// roster, the usual input to SyncMembership.
func RosterConvIDs(r *keystore.Roster) []string {
	ids := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		ids = append(ids, e.ConversationID)
	}
	return ids
}

// StopAll halts every running watcher, for clean shutdown.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.StopForConversation(id)
	}
}
