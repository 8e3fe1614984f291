// Package kexflow is the orchestration layer over the KEX "tightly
// coupled quartet" (spec.md §1): kex.Source/kex.Reader, kexdoc's
// shared coordination document, and the Key Lifecycle Engine. Where
// pipeline composes lock+lifecycle+otp+ackid+store into a working
// Send/Receive flow, RunSource and RunReader are the equivalent
// composition for key exchange: they create the kexdoc session, drive
// the Source/Reader rotation to completion (or early termination),
// and hand the resulting bytes to lifecycle.CreateKey/ExtendKey.
package kexflow

import (
	"context"
	"fmt"
	"time"

	"github.com/onetimepad/otpcore/kex"
	"github.com/onetimepad/otpcore/kexdoc"
	"github.com/onetimepad/otpcore/lifecycle"
	"github.com/onetimepad/otpcore/localindex"
	"github.com/onetimepad/otpcore/qrpayload"
	"github.com/onetimepad/otpcore/sharedkey"
	"github.com/onetimepad/otpcore/store"
	logging "gopkg.in/op/go-logging.v1"
)

// RunSource drives one full KEX Source session to completion for
// convID. It creates kex/{sessionID}, mints and rotates fresh key
// segments via kex.Source at the given interval/backoffStep (spec.md
// 4.F), folds the shared document's segmentsByPeer view back into the
// Source's own completion tracking as readers scan, and stops once
// every participant has received every segment or ctx is cancelled
// first. Either way it persists whatever prefix was universally
// received (spec.md 4.F early termination) through lifecycle: extend
// selects ExtendKey over CreateKey for a conversation that already
// has a key. display is called once per segment shown, the caller's
// hook for rendering the QR payload. interval/backoffStep are meant
// to come straight from config.Config's RotationInterval/
// RotationBackoffStep, the same way Pipeline's LockTTL/LockRetryWait
// are sourced from config for lock.Acquire.
func RunSource(ctx context.Context, s store.Store, engine *lifecycle.Engine, convID, sessionID, sourceID string, participants []string, totalBytes, segmentSize int, interval, backoffStep time.Duration, display func(qrpayload.Payload), extend bool, log *logging.Logger) (*sharedkey.SharedKey, error) {
	if log == nil {
		log = logging.MustGetLogger("kexflow")
	}

	src := kex.NewSource(sessionID, sourceID, totalBytes, segmentSize, participants)

	if err := kexdoc.CreateSession(ctx, s, sessionID, sourceID, participants, uint32(src.TotalSegments()), uint64(totalBytes)); err != nil {
		return nil, fmt.Errorf("kexflow: create session %s: %w", sessionID, err)
	}

	docCh, unsub, err := kexdoc.WatchSession(ctx, s, sessionID)
	if err != nil {
		return nil, fmt.Errorf("kexflow: watch session %s: %w", sessionID, err)
	}
	defer unsub()

	rotCtx, cancelRot := context.WithCancel(ctx)
	defer cancelRot()

	// The shared document only learns of a receipt through
	// MarkSegmentScanned, so the source's own auto-recorded receipt
	// (kex.Source's in-memory bookkeeping) must be mirrored into it too
	// — otherwise kexdoc.IsComplete can never hold, since it checks
	// every participant including the source against segmentsByPeer.
	// MarkSegmentScanned is idempotent, so marking on every display
	// (not just the first) is harmless.
	wrappedDisplay := func(p qrpayload.Payload) {
		if err := kexdoc.MarkSegmentScanned(ctx, s, sessionID, sourceID, p.SegmentIndex); err != nil {
			log.Errorf("kexflow: mark own segment %d scanned for session %s: %v", p.SegmentIndex, sessionID, err)
		}
		if display != nil {
			display(p)
		}
	}

	done := make(chan error, 1)
	src.StartRotation(rotCtx, wrappedDisplay, func(err error) { done <- err }, interval, backoffStep)

runLoop:
	for {
		select {
		case doc, ok := <-docCh:
			if !ok {
				docCh = nil
				continue
			}
			if doc == nil {
				continue
			}
			for peerID, indices := range doc.SegmentsByPeer {
				for _, idx := range indices {
					src.RecordPeerReceived(peerID, int(idx))
				}
			}
			if doc.Status == store.KexCancelled {
				cancelRot()
			}
		case rotErr := <-done:
			if rotErr != nil {
				log.Warningf("kexflow: rotation for session %s ended early: %v", sessionID, rotErr)
			}
			break runLoop
		}
	}
	src.StopRotation()

	fullCompletion := src.IsComplete()
	bytes, effectiveSegments, err := src.Finalize()
	if err != nil {
		cleanupSession(s, sessionID, log)
		return nil, fmt.Errorf("kexflow: session %s produced no usable key material: %w", sessionID, err)
	}

	var k *sharedkey.SharedKey
	if extend {
		k, err = engine.ExtendKey(convID, bytes, sessionID)
	} else {
		k, err = engine.CreateKey(convID, bytes, participants)
	}
	if err != nil {
		cleanupSession(s, sessionID, log)
		return nil, fmt.Errorf("kexflow: persist key for %s from session %s: %w", convID, sessionID, err)
	}

	// Session cleanup runs against a background context: ctx may
	// already be the one that cancelled the rotation, and the closing
	// write must still land.
	if fullCompletion {
		if err := kexdoc.CompleteAsSource(context.Background(), s, sessionID); err != nil {
			log.Errorf("kexflow: complete session %s: %v", sessionID, err)
		}
	} else {
		if err := kexdoc.TerminateEarly(context.Background(), s, sessionID, uint32(effectiveSegments), uint64(len(bytes))); err != nil {
			log.Errorf("kexflow: terminate session %s early: %v", sessionID, err)
		}
	}

	return k, nil
}

func cleanupSession(s store.Store, sessionID string, log *logging.Logger) {
	if err := kexdoc.Cancel(context.Background(), s, sessionID); err != nil {
		log.Errorf("kexflow: cancel session %s: %v", sessionID, err)
	}
}

// ScannedSegment is one QR payload a reader has scanned and decoded,
// ready to be folded into RunReader.
type ScannedSegment struct {
	Payload  qrpayload.Payload
	KeyBytes []byte
}

// RunReader drives one full KEX Reader session for convID. It records
// every payload arriving on scans (idempotently, through idx when
// non-nil so a restarted reader doesn't re-ingest what it already
// recorded), marks each newly-recorded index scanned in kex/{sessionID}
// (spec.md 4.G), and watches the same document for the source's
// completion/early-termination signal. Once the document reports the
// session complete it builds the SharedKey from recorded segments and
// persists it through lifecycle: extend selects ExtendKey over
// SaveKey for a conversation that already has a key.
func RunReader(ctx context.Context, s store.Store, engine *lifecycle.Engine, convID, sessionID, localPeerID string, participants []string, idx *localindex.Index, scans <-chan ScannedSegment, extend bool, log *logging.Logger) (*sharedkey.SharedKey, error) {
	if log == nil {
		log = logging.MustGetLogger("kexflow")
	}

	r := kex.NewReader(sessionID, localPeerID, participants, idx)

	docCh, unsub, err := kexdoc.WatchSession(ctx, s, sessionID)
	if err != nil {
		return nil, fmt.Errorf("kexflow: watch session %s: %w", sessionID, err)
	}
	defer unsub()

	var totalSegments uint32

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("kexflow: reader session %s: %w", sessionID, ctx.Err())

		case scan, ok := <-scans:
			if !ok {
				scans = nil
				continue
			}
			added, err := r.RecordReadSegment(scan.Payload, scan.KeyBytes)
			if err != nil {
				log.Errorf("kexflow: record segment %d for session %s: %v", scan.Payload.SegmentIndex, sessionID, err)
				continue
			}
			if !added {
				continue
			}
			if err := kexdoc.MarkSegmentScanned(ctx, s, sessionID, localPeerID, scan.Payload.SegmentIndex); err != nil {
				return nil, fmt.Errorf("kexflow: mark segment %d scanned for session %s: %w", scan.Payload.SegmentIndex, sessionID, err)
			}

		case doc, ok := <-docCh:
			if !ok {
				docCh = nil
				continue
			}
			if doc == nil {
				continue
			}
			totalSegments = doc.TotalSegments
			if doc.Status == store.KexCancelled {
				return nil, fmt.Errorf("kexflow: session %s was cancelled", sessionID)
			}
			if doc.Status == store.KexCompleted || kexdoc.IsComplete(doc) {
				return finishReader(engine, r, convID, sessionID, int(totalSegments), participants, extend)
			}
		}
	}
}

func finishReader(engine *lifecycle.Engine, r *kex.Reader, convID, sessionID string, totalSegments int, participants []string, extend bool) (*sharedkey.SharedKey, error) {
	sk, err := kex.BuildSharedKeyFromReader(r, totalSegments, participants)
	if err != nil {
		return nil, fmt.Errorf("kexflow: build shared key: %w", err)
	}
	if extend {
		extended, err := engine.ExtendKey(convID, sk.Bytes(), sessionID)
		sk.Close()
		if err != nil {
			return nil, fmt.Errorf("kexflow: extend key for %s: %w", convID, err)
		}
		return extended, nil
	}
	if err := engine.SaveKey(convID, sk); err != nil {
		sk.Close()
		return nil, fmt.Errorf("kexflow: save key for %s: %w", convID, err)
	}
	return sk, nil
}
