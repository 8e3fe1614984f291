// Package kexdoc implements the KEX Coordination layer of spec.md
// 4.G: the single shared kex/{sessionId} document readers and the
// source use to converge on a completion view without a side channel.
package kexdoc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/onetimepad/otpcore/store"
)

// staleAfter is the cutoff for the source's own-session cleanup duty
// (spec.md 4.G: "older than one hour").
const staleAfter = time.Hour

// CreateSession atomically creates kex/{sessionID} in Waiting status.
func CreateSession(ctx context.Context, s store.Store, sessionID, sourceID string, participants []string, totalSegments uint32, totalKeyBytes uint64) error {
	now := s.Now()
	doc := &store.KexSessionDoc{
		ID:             sessionID,
		SourceID:       sourceID,
		Participants:   append([]string(nil), participants...),
		SegmentsByPeer: make(map[string][]uint32, len(participants)),
		TotalSegments:  totalSegments,
		TotalKeyBytes:  totalKeyBytes,
		Status:         store.KexWaiting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return s.CreateKexSession(ctx, doc)
}

func insertSorted(indices []uint32, index uint32) []uint32 {
	for _, v := range indices {
		if v == index {
			return indices
		}
	}
	out := append(append([]uint32(nil), indices...), index)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkSegmentScanned runs the spec.md 4.G transaction: read, add index
// to segmentsByPeer[peerID] if absent, sort, write back with a fresh
// UpdatedAt. The session transitions to InProgress on its first mark
// if it was still Waiting.
func MarkSegmentScanned(ctx context.Context, s store.Store, sessionID, peerID string, index uint32) error {
	return s.TxnKexSession(ctx, sessionID, func(doc *store.KexSessionDoc) (*store.KexSessionDoc, error) {
		if doc == nil {
			return nil, fmt.Errorf("kexdoc: mark segment scanned: session %q not found", sessionID)
		}
		if doc.SegmentsByPeer == nil {
			doc.SegmentsByPeer = make(map[string][]uint32)
		}
		doc.SegmentsByPeer[peerID] = insertSorted(doc.SegmentsByPeer[peerID], index)
		if doc.Status == store.KexWaiting {
			doc.Status = store.KexInProgress
		}
		doc.UpdatedAt = s.Now()
		return doc, nil
	})
}

// IsComplete is the peer-agnostic completion predicate of spec.md 4.G:
// every index in [0, totalSegments) has been scanned by every
// participant.
func IsComplete(doc *store.KexSessionDoc) bool {
	if doc == nil {
		return false
	}
	for _, peerID := range doc.Participants {
		have := doc.SegmentsByPeer[peerID]
		if !containsRange(have, doc.TotalSegments) {
			return false
		}
	}
	return true
}

func containsRange(sorted []uint32, totalSegments uint32) bool {
	if uint32(len(sorted)) < totalSegments {
		return false
	}
	seen := make(map[uint32]bool, len(sorted))
	for _, v := range sorted {
		seen[v] = true
	}
	for idx := uint32(0); idx < totalSegments; idx++ {
		if !seen[idx] {
			return false
		}
	}
	return true
}

// CompleteAsSource finalizes sessionID once the completion predicate
// holds: it sets status to Completed then deletes the document, the
// two-step closure spec.md 4.G assigns to the source alone.
func CompleteAsSource(ctx context.Context, s store.Store, sessionID string) error {
	err := s.TxnKexSession(ctx, sessionID, func(doc *store.KexSessionDoc) (*store.KexSessionDoc, error) {
		if doc == nil {
			return nil, nil
		}
		if !IsComplete(doc) {
			return doc, fmt.Errorf("kexdoc: session %q is not yet complete", sessionID)
		}
		doc.Status = store.KexCompleted
		doc.UpdatedAt = s.Now()
		return doc, nil
	})
	if err != nil {
		return err
	}
	return s.DeleteKexSession(ctx, sessionID)
}

// TerminateEarly closes out sessionID the way the source does when it
// stops short of full rotation (spec.md 4.F early termination): it
// rewrites totalSegments/totalKeyBytes down to the effective prefix
// actually agreed on, marks the session Completed, then deletes it —
// the same two-step closure as CompleteAsSource, but without
// requiring IsComplete to hold first.
func TerminateEarly(ctx context.Context, s store.Store, sessionID string, effectiveSegments uint32, effectiveKeyBytes uint64) error {
	err := s.TxnKexSession(ctx, sessionID, func(doc *store.KexSessionDoc) (*store.KexSessionDoc, error) {
		if doc == nil {
			return nil, fmt.Errorf("kexdoc: terminate early: session %q not found", sessionID)
		}
		doc.TotalSegments = effectiveSegments
		doc.TotalKeyBytes = effectiveKeyBytes
		doc.Status = store.KexCompleted
		doc.UpdatedAt = s.Now()
		return doc, nil
	})
	if err != nil {
		return err
	}
	return s.DeleteKexSession(ctx, sessionID)
}

// Cancel marks sessionID Cancelled; any participant may call this
// (spec.md 4.K KEX Session state machine).
func Cancel(ctx context.Context, s store.Store, sessionID string) error {
	return s.TxnKexSession(ctx, sessionID, func(doc *store.KexSessionDoc) (*store.KexSessionDoc, error) {
		if doc == nil {
			return nil, nil
		}
		doc.Status = store.KexCancelled
		doc.UpdatedAt = s.Now()
		return doc, nil
	})
}

// WatchSession exposes the reader-side subscription of spec.md 4.G:
// readers drive their local view of the session entirely from the
// stream this returns.
func WatchSession(ctx context.Context, s store.Store, sessionID string) (<-chan *store.KexSessionDoc, store.Unsubscribe, error) {
	return s.WatchKexSession(ctx, sessionID)
}

// CleanupStaleSessions deletes sourceID's own InProgress sessions
// older than one hour (spec.md 4.G).
func CleanupStaleSessions(ctx context.Context, s store.Store, sourceID string) (int, error) {
	stale, err := s.ListStaleInProgressSessions(ctx, sourceID, s.Now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	for _, doc := range stale {
		if err := s.DeleteKexSession(ctx, doc.ID); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}
