// Package memstore is an in-memory reference implementation of
// store.Store, used by this module's own tests and by hosts that want
// to exercise the pipeline without a real backend. It is not a
// production shared-document-store adapter: the concrete backend is
// explicitly out of scope for this module (spec.md §1).
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onetimepad/otpcore/store"
	channels "gopkg.in/eapache/channels.v1"
)

// Store is a single-process, mutex-guarded implementation of
// store.Store. Every operation that the interface requires to be
// transactional is a critical section under the same mutex, which is
// the in-memory analogue of a backend transaction.
type Store struct {
	mu sync.Mutex

	conversations map[string]*store.Conversation
	messages      map[string]map[string]*store.EncryptedMessage // convID -> msgID -> msg
	locks         map[string]*store.Lock
	kexSessions   map[string]*store.KexSessionDoc

	// subscribers buffers snapshot events per conversation through an
	// unbounded channel, the same way the reference Stream type
	// buffers frames, so a slow watcher never blocks a writer.
	messageSubs map[string][]*channels.InfiniteChannel
	kexSubs     map[string][]*channels.InfiniteChannel
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		conversations: map[string]*store.Conversation{},
		messages:      map[string]map[string]*store.EncryptedMessage{},
		locks:         map[string]*store.Lock{},
		kexSessions:   map[string]*store.KexSessionDoc{},
		messageSubs:   map[string][]*channels.InfiniteChannel{},
		kexSubs:       map[string][]*channels.InfiniteChannel{},
	}
}

func cloneConversation(c *store.Conversation) *store.Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.PeerIDs = append([]string(nil), c.PeerIDs...)
	cp.KeyStatusPerPeer = make(map[string]store.ByteRange, len(c.KeyStatusPerPeer))
	for k, v := range c.KeyStatusPerPeer {
		cp.KeyStatusPerPeer[k] = v
	}
	return &cp
}

func cloneMessage(m *store.EncryptedMessage) *store.EncryptedMessage {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Ciphertext = append([]byte(nil), m.Ciphertext...)
	cp.AckSet = append([]string(nil), m.AckSet...)
	return &cp
}

func cloneKex(d *store.KexSessionDoc) *store.KexSessionDoc {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Participants = append([]string(nil), d.Participants...)
	cp.SegmentsByPeer = make(map[string][]uint32, len(d.SegmentsByPeer))
	for k, v := range d.SegmentsByPeer {
		cp.SegmentsByPeer[k] = append([]uint32(nil), v...)
	}
	return &cp
}

func (s *Store) Now() time.Time { return time.Now() }

func (s *Store) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("memstore: conversation %q already exists", conv.ID)
	}
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneConversation(s.conversations[id]), nil
}

func (s *Store) TxnConversation(ctx context.Context, id string, fn func(*store.Conversation) (*store.Conversation, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := cloneConversation(s.conversations[id])
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.conversations, id)
		return nil
	}
	s.conversations[id] = cloneConversation(next)
	return nil
}

func (s *Store) PutMessage(ctx context.Context, msg *store.EncryptedMessage) error {
	s.mu.Lock()
	bucket := s.messages[msg.ConvID]
	if bucket == nil {
		bucket = map[string]*store.EncryptedMessage{}
		s.messages[msg.ConvID] = bucket
	}
	id := msg.ID()
	if _, exists := bucket[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("memstore: message %q already exists", id)
	}
	stamped := cloneMessage(msg)
	stamped.ServerTimestamp = time.Now()
	bucket[id] = stamped
	out := cloneMessage(stamped)
	s.mu.Unlock()

	s.publishMessage(msg.ConvID, store.MessageEvent{Message: out})
	return nil
}

func (s *Store) GetMessage(ctx context.Context, convID, msgID string) (*store.EncryptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessage(s.messages[convID][msgID]), nil
}

func (s *Store) ListMessages(ctx context.Context, convID string) ([]*store.EncryptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.messages[convID]
	out := make([]*store.EncryptedMessage, 0, len(bucket))
	for _, m := range bucket {
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServerTimestamp.Before(out[j].ServerTimestamp)
	})
	return out, nil
}

func (s *Store) TxnMessage(ctx context.Context, convID, msgID string, fn func(*store.EncryptedMessage) (*store.EncryptedMessage, error)) error {
	s.mu.Lock()
	bucket := s.messages[convID]
	if bucket == nil {
		bucket = map[string]*store.EncryptedMessage{}
		s.messages[convID] = bucket
	}
	cur := cloneMessage(bucket[msgID])
	next, err := fn(cur)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var event store.MessageEvent
	if next == nil {
		delete(bucket, msgID)
		event = store.MessageEvent{Deleted: true, Message: cur}
	} else {
		next.ConvID = convID
		if next.ServerTimestamp.IsZero() {
			next.ServerTimestamp = time.Now()
		}
		stored := cloneMessage(next)
		bucket[msgID] = stored
		event = store.MessageEvent{Message: cloneMessage(stored)}
	}
	s.mu.Unlock()

	s.publishMessage(convID, event)
	return nil
}

func (s *Store) StreamMessages(ctx context.Context, convID string) (<-chan store.MessageEvent, store.Unsubscribe, error) {
	ch := channels.NewInfiniteChannel()

	s.mu.Lock()
	// replay current snapshot so a new subscriber sees existing state,
	// matching a real backend's "initial snapshot then updates" stream.
	existing := make([]*store.EncryptedMessage, 0, len(s.messages[convID]))
	for _, m := range s.messages[convID] {
		existing = append(existing, cloneMessage(m))
	}
	sort.Slice(existing, func(i, j int) bool {
		return existing[i].ServerTimestamp.Before(existing[j].ServerTimestamp)
	})
	s.messageSubs[convID] = append(s.messageSubs[convID], ch)
	s.mu.Unlock()

	for _, m := range existing {
		ch.In() <- store.MessageEvent{Message: m}
	}

	out := make(chan store.MessageEvent)
	go func() {
		for v := range ch.Out() {
			select {
			case out <- v.(store.MessageEvent):
			case <-ctx.Done():
			}
		}
		close(out)
	}()

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.messageSubs[convID]
		for i, c := range subs {
			if c == ch {
				s.messageSubs[convID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		ch.Close()
	}
	return out, unsub, nil
}

func (s *Store) publishMessage(convID string, ev store.MessageEvent) {
	s.mu.Lock()
	subs := append([]*channels.InfiniteChannel(nil), s.messageSubs[convID]...)
	s.mu.Unlock()
	for _, ch := range subs {
		ch.In() <- ev
	}
}

func (s *Store) TxnLock(ctx context.Context, convID string, fn func(*store.Lock) (*store.Lock, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *store.Lock
	if l, ok := s.locks[convID]; ok {
		cp := *l
		cur = &cp
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.locks, convID)
		return nil
	}
	cp := *next
	s.locks[convID] = &cp
	return nil
}

func (s *Store) CreateKexSession(ctx context.Context, doc *store.KexSessionDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.kexSessions[doc.ID]; exists {
		return fmt.Errorf("memstore: kex session %q already exists", doc.ID)
	}
	s.kexSessions[doc.ID] = cloneKex(doc)
	return nil
}

func (s *Store) GetKexSession(ctx context.Context, id string) (*store.KexSessionDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneKex(s.kexSessions[id]), nil
}

func (s *Store) TxnKexSession(ctx context.Context, id string, fn func(*store.KexSessionDoc) (*store.KexSessionDoc, error)) error {
	s.mu.Lock()
	cur := cloneKex(s.kexSessions[id])
	next, err := fn(cur)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if next == nil {
		delete(s.kexSessions, id)
		s.mu.Unlock()
		return nil
	}
	next.UpdatedAt = time.Now()
	stored := cloneKex(next)
	s.kexSessions[id] = stored
	out := cloneKex(stored)
	s.mu.Unlock()

	s.publishKex(id, out)
	return nil
}

func (s *Store) DeleteKexSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kexSessions, id)
	return nil
}

func (s *Store) WatchKexSession(ctx context.Context, id string) (<-chan *store.KexSessionDoc, store.Unsubscribe, error) {
	ch := channels.NewInfiniteChannel()

	s.mu.Lock()
	cur := cloneKex(s.kexSessions[id])
	s.kexSubs[id] = append(s.kexSubs[id], ch)
	s.mu.Unlock()

	if cur != nil {
		ch.In() <- cur
	}

	out := make(chan *store.KexSessionDoc)
	go func() {
		for v := range ch.Out() {
			select {
			case out <- v.(*store.KexSessionDoc):
			case <-ctx.Done():
			}
		}
		close(out)
	}()

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.kexSubs[id]
		for i, c := range subs {
			if c == ch {
				s.kexSubs[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		ch.Close()
	}
	return out, unsub, nil
}

func (s *Store) publishKex(id string, doc *store.KexSessionDoc) {
	s.mu.Lock()
	subs := append([]*channels.InfiniteChannel(nil), s.kexSubs[id]...)
	s.mu.Unlock()
	for _, ch := range subs {
		ch.In() <- doc
	}
}

func (s *Store) ListStaleInProgressSessions(ctx context.Context, sourceID string, cutoff time.Time) ([]*store.KexSessionDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.KexSessionDoc
	for _, d := range s.kexSessions {
		if d.SourceID == sourceID && d.Status == store.KexInProgress && d.CreatedAt.Before(cutoff) {
			out = append(out, cloneKex(d))
		}
	}
	return out, nil
}
