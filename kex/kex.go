// Package kex implements the Key Exchange "torrent" rotation protocol
// of spec.md 4.F: a Source device draws fresh key segments from a
// CSPRNG and rotates through them as visual QR payloads, while Reader
// devices scan and record them until every participant has received
// every segment. Both roles end by concatenating recorded segment
// bytes, in index order, into a SharedKey.
package kex

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/internal/worker"
	"github.com/onetimepad/otpcore/localindex"
	"github.com/onetimepad/otpcore/qrpayload"
	"github.com/onetimepad/otpcore/sharedkey"
)

// defaultSegmentSize is the fixed σ of spec.md 4.F.
const defaultSegmentSize = 1024

func totalSegments(totalBytes, segmentSize int) int {
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	return (totalBytes + segmentSize - 1) / segmentSize
}

// Source is the KEX session role that mints fresh key bytes and
// displays them as rotating QR payloads.
type Source struct {
	worker.Worker

	mu sync.Mutex

	sessionID     string
	sourceID      string
	segmentSize   int
	totalBytes    int
	totalSegments int
	index         int

	segmentData  map[int][]byte
	received     map[string]map[int]bool // peerID -> segment indices received
	participants []string
}

// NewSource starts a new Source session that will mint totalBytes of
// fresh key material in segmentSize chunks (0 selects the spec
// default of 1024) for the given participants (sourceID, the source's
// own peer id, included). Every segment generated is auto-recorded as
// received by sourceID alone (spec.md 4.F: "the source auto-records
// 'received by self'"); every other participant's receipt is recorded
// explicitly via RecordPeerReceived as it scans.
func NewSource(sessionID, sourceID string, totalBytes, segmentSize int, participants []string) *Source {
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	received := make(map[string]map[int]bool, len(participants))
	for _, p := range participants {
		received[p] = make(map[int]bool)
	}
	return &Source{
		sessionID:     sessionID,
		sourceID:      sourceID,
		segmentSize:   segmentSize,
		totalBytes:    totalBytes,
		totalSegments: totalSegments(totalBytes, segmentSize),
		segmentData:   make(map[int][]byte),
		received:      received,
		participants:  append([]string(nil), participants...),
	}
}

func (s *Source) segmentBounds(index int) (start, end uint64) {
	start = uint64(index * s.segmentSize)
	end = start + uint64(s.segmentSize)
	if end > uint64(s.totalBytes) {
		end = uint64(s.totalBytes)
	}
	return start, end
}

// TotalSegments returns the fixed ⌈T/σ⌉ segment count this session
// was constructed with.
func (s *Source) TotalSegments() int {
	return s.totalSegments
}

// TotalBytes returns T, the target total key byte count.
func (s *Source) TotalBytes() int {
	return s.totalBytes
}

// GenerateNextSegment draws σ fresh bytes from crypto/rand for the
// current index, stores them, marks the source as having received
// them, advances the index, and returns the QR payload to display.
func (s *Source) GenerateNextSegment() (qrpayload.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index >= s.totalSegments {
		return qrpayload.Payload{}, fmt.Errorf("kex: source %s: all %d segments already generated", s.sessionID, s.totalSegments)
	}
	index := s.index
	start, end := s.segmentBounds(index)
	buf := make([]byte, end-start)
	if _, err := rand.Read(buf); err != nil {
		return qrpayload.Payload{}, fmt.Errorf("kex: generate segment %d: %w", index, err)
	}
	s.segmentData[index] = buf
	s.markReceivedLocked(s.sourceID, index)
	s.index++

	return qrpayload.New(s.sessionID, uint32(index), start, end, buf)
}

// AddSegmentData stores bytes received out-of-band (e.g. the source
// itself re-ingesting what it already has) at absStart, and marks the
// source as having that segment. Exposed so the Source can be rebuilt
// the same way a Reader records payloads.
func (s *Source) AddSegmentData(absStart int, bytes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := absStart / s.segmentSize
	s.segmentData[index] = bytes
	s.markReceivedLocked(s.sourceID, index)
}

// RecordPeerReceived marks that peerID has received segment index,
// driven by KEX Coordination's markSegmentScanned transactions
// (spec.md 4.G).
func (s *Source) RecordPeerReceived(peerID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReceivedLocked(peerID, index)
}

func (s *Source) markReceivedLocked(peerID string, index int) {
	if s.received[peerID] == nil {
		s.received[peerID] = make(map[int]bool)
	}
	s.received[peerID][index] = true
}

// IsComplete reports whether every participant has received every
// segment index in [0, totalSegments).
func (s *Source) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked()
}

func (s *Source) completeLocked() bool {
	for _, peerID := range s.participants {
		peerReceived := s.received[peerID]
		for idx := 0; idx < s.totalSegments; idx++ {
			if !peerReceived[idx] {
				return false
			}
		}
	}
	return true
}

// NextRotationIndex returns the smallest index, strictly after
// current, not yet received by every participant, wrapping circularly
// through [0, totalSegments). Returns (0, false) if every index is
// already universally received.
func (s *Source) NextRotationIndex(current int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalSegments == 0 {
		return 0, false
	}
	for step := 1; step <= s.totalSegments; step++ {
		idx := (current + step) % s.totalSegments
		if !s.universallyReceivedLocked(idx) {
			return idx, true
		}
	}
	return 0, false
}

func (s *Source) universallyReceivedLocked(idx int) bool {
	for _, peerID := range s.participants {
		if !s.received[peerID][idx] {
			return false
		}
	}
	return true
}

// RotationAnyMissed reports whether at least one participant failed
// to receive at least one index during the rotation window
// [indices], used to decide whether the rotation interval should back
// off by RotationBackoffStep (spec.md 4.F).
func (s *Source) RotationAnyMissed(indices []int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range indices {
		if !s.universallyReceivedLocked(idx) {
			return true
		}
	}
	return false
}

func (s *Source) hasMoreToGenerate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index < s.totalSegments
}

func (s *Source) payloadForIndex(index int) (qrpayload.Payload, error) {
	s.mu.Lock()
	data, ok := s.segmentData[index]
	sessionID := s.sessionID
	s.mu.Unlock()
	if !ok {
		return qrpayload.Payload{}, fmt.Errorf("kex: source %s: segment %d not yet generated", sessionID, index)
	}
	start, end := s.segmentBounds(index)
	return qrpayload.New(sessionID, uint32(index), start, end, data)
}

// StartRotation embeds internal/worker.Worker, the same goroutine
// lifecycle the Message Coordinator uses, to drive the torrent
// rotation of spec.md 4.F: while segments remain ungenerated it calls
// GenerateNextSegment in order; once all σ-sized chunks exist it
// rotates through NextRotationIndex, skipping indices every
// participant has already received. display is called with each
// payload shown. After a full rotation (one display per segment since
// the previous full rotation), if RotationAnyMissed reports a reader missed at
// least one index, the interval is increased by backoffStep. The loop
// stops and calls onDone(nil) once IsComplete or once rotation finds
// nothing left to show; it calls onDone wrapping ErrKexTimeout if ctx
// is done first.
func (s *Source) StartRotation(ctx context.Context, display func(qrpayload.Payload), onDone func(error), interval, backoffStep time.Duration) {
	s.Go(func() {
		current := -1
		var cycle []int
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		finish := func(err error) {
			if onDone != nil {
				onDone(err)
			}
		}

		for {
			select {
			case <-s.HaltCh():
				finish(nil)
				return
			case <-ctx.Done():
				finish(fmt.Errorf("kex: rotation for session %s: %w", s.sessionID, coreerr.ErrKexTimeout))
				return
			case <-ticker.C:
			}

			if s.IsComplete() {
				finish(nil)
				return
			}

			var (
				payload qrpayload.Payload
				err     error
			)
			if s.hasMoreToGenerate() {
				payload, err = s.GenerateNextSegment()
			} else {
				next, ok := s.NextRotationIndex(current)
				if !ok {
					finish(nil)
					return
				}
				payload, err = s.payloadForIndex(next)
			}
			if err != nil {
				finish(err)
				return
			}
			current = int(payload.SegmentIndex)
			cycle = append(cycle, current)
			if display != nil {
				display(payload)
			}

			if len(cycle) >= s.totalSegments {
				if s.RotationAnyMissed(cycle) {
					interval += backoffStep
					ticker.Reset(interval)
				}
				cycle = cycle[:0]
			}
		}
	})
}

// StopRotation halts a running StartRotation loop and blocks until it
// has returned.
func (s *Source) StopRotation() {
	s.Halt()
}

// LargestCompletePrefix returns the largest L such that every index in
// [0, L] has been received by every participant, or -1 if not even
// segment 0 is universally received.
func (s *Source) LargestCompletePrefix() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	largest := -1
	for idx := 0; idx < s.totalSegments; idx++ {
		if !s.universallyReceivedLocked(idx) {
			break
		}
		largest = idx
	}
	return largest
}

// Finalize implements early termination (spec.md 4.F): it computes the
// largest universally-received prefix L, and returns the segment data
// for [0, L] concatenated in index order along with the effective
// number of segments, L+1 (the byte count is the length of the
// returned slice; the last segment may be shorter than segmentSize).
// Returns ErrKexNoCompleteSegment if L < 0.
func (s *Source) Finalize() ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	largest := -1
	for idx := 0; idx < s.totalSegments; idx++ {
		if !s.universallyReceivedLocked(idx) {
			break
		}
		largest = idx
	}
	if largest < 0 {
		return nil, 0, fmt.Errorf("kex: finalize session %s: %w", s.sessionID, coreerr.ErrKexNoCompleteSegment)
	}
	return concatenate(s.segmentData, largest), largest + 1, nil
}

func concatenate(segmentData map[int][]byte, largestIndex int) []byte {
	indices := make([]int, 0, largestIndex+1)
	for idx := 0; idx <= largestIndex; idx++ {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	var out []byte
	for _, idx := range indices {
		out = append(out, segmentData[idx]...)
	}
	return out
}

// Reader is the KEX session role that scans rotating QR payloads and
// records their bytes until the session completes.
type Reader struct {
	mu sync.Mutex

	sessionID    string
	localPeerID  string
	participants []string

	segmentData map[int][]byte
	recorded    map[int]bool

	index *localindex.Index
}

// NewReader returns a Reader for sessionID scanning on behalf of
// localPeerID among participants. idx may be nil; when supplied, the
// "already recorded?" decision in RecordReadSegment is answered from
// idx's persisted segment bucket instead of the in-memory map alone,
// so a reader restarted mid-session doesn't re-ingest a segment it
// already recorded before the process exited.
func NewReader(sessionID, localPeerID string, participants []string, idx *localindex.Index) *Reader {
	return &Reader{
		sessionID:    sessionID,
		localPeerID:  localPeerID,
		participants: append([]string(nil), participants...),
		segmentData:  make(map[int][]byte),
		recorded:     make(map[int]bool),
		index:        idx,
	}
}

// RecordReadSegment stores the scanned payload's key bytes by its
// segment index and marks that index as read. keyBytes is the value
// already decoded and length-checked by qrpayload.Unmarshal. Returns
// false if the index had already been recorded (idempotent scans are
// harmless).
func (r *Reader) RecordReadSegment(payload qrpayload.Payload, keyBytes []byte) (bool, error) {
	if uint64(len(keyBytes)) != payload.EndByte-payload.StartByte {
		return false, fmt.Errorf("kex: record segment %d: key length %d != segment length %d", payload.SegmentIndex, len(keyBytes), payload.EndByte-payload.StartByte)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.index != nil {
		added, err := r.index.AddSegment(r.sessionID, r.localPeerID, payload.SegmentIndex)
		if err != nil {
			return false, fmt.Errorf("kex: record segment %d: %w", payload.SegmentIndex, err)
		}
		if !added {
			return false, nil
		}
		r.segmentData[int(payload.SegmentIndex)] = keyBytes
		r.recorded[int(payload.SegmentIndex)] = true
		return true, nil
	}

	if r.recorded[int(payload.SegmentIndex)] {
		return false, nil
	}
	r.segmentData[int(payload.SegmentIndex)] = keyBytes
	r.recorded[int(payload.SegmentIndex)] = true
	return true, nil
}

// RecordedIndices returns the sorted set of segment indices recorded
// so far: from idx when this Reader was built with one (the
// authoritative, restart-surviving set), or the in-memory set
// otherwise.
func (r *Reader) RecordedIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index != nil {
		segs, err := r.index.RecordedSegments(r.sessionID, r.localPeerID)
		if err == nil {
			out := make([]int, len(segs))
			for i, v := range segs {
				out[i] = int(v)
			}
			return out
		}
	}
	indices := make([]int, 0, len(r.recorded))
	for idx := range r.recorded {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// BuildSharedKeyFromReader concatenates recorded segment data in ascending index
// order through totalSegments and returns a fresh SharedKey with
// nextAvailableByte = 0 (spec.md 4.F buildSharedKey).
func BuildSharedKeyFromReader(r *Reader, totalSegments int, peerIDs []string) (*sharedkey.SharedKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for idx := 0; idx < totalSegments; idx++ {
		if !r.recorded[idx] {
			return nil, fmt.Errorf("kex: build shared key: segment %d not yet recorded", idx)
		}
	}
	bytes := concatenate(r.segmentData, totalSegments-1)
	return sharedkey.New(r.sessionID, bytes, peerIDs, nil, 0)
}

// BuildSharedKeyFromSource is the Source-role equivalent of
// BuildSharedKeyFromReader, used after Finalize/IsComplete.
func BuildSharedKeyFromSource(s *Source, peerIDs []string) (*sharedkey.SharedKey, error) {
	s.mu.Lock()
	if !s.completeLocked() {
		s.mu.Unlock()
		return nil, fmt.Errorf("kex: build shared key: source %s is not complete", s.sessionID)
	}
	bytes := concatenate(s.segmentData, s.totalSegments-1)
	sessionID := s.sessionID
	s.mu.Unlock()
	return sharedkey.New(sessionID, bytes, peerIDs, nil, 0)
}
