// Package pipeline implements the Send/Receive Pipeline of spec.md
// 4.J: the only place envelopes are built, encrypted, decrypted, and
// exchanged for local and shared-store state. It composes lock
// (4.H), lifecycle (4.E), otp (4.I), and ackid.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onetimepad/otpcore/ackid"
	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/keystore"
	"github.com/onetimepad/otpcore/lifecycle"
	"github.com/onetimepad/otpcore/lock"
	"github.com/onetimepad/otpcore/otp"
	"github.com/onetimepad/otpcore/store"
	logging "gopkg.in/op/go-logging.v1"
)

// Pipeline wires together the components a Send or Receive needs.
// SelfID identifies this device in a Conversation's keyStatusPerPeer
// map; Receive uses it to advertise this device's new frontier since
// it has no sender-supplied id of its own to go on.
type Pipeline struct {
	Store         store.Store
	Keystore      *keystore.Store
	Lifecycle     *lifecycle.Engine
	SelfID        string
	LockTTL       time.Duration
	LockRetryWait []time.Duration
	log           *logging.Logger
}

// New returns a Pipeline. log may be nil.
func New(s store.Store, ks *keystore.Store, engine *lifecycle.Engine, selfID string, lockTTL time.Duration, lockRetryWait []time.Duration, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.MustGetLogger("pipeline")
	}
	return &Pipeline{Store: s, Keystore: ks, Lifecycle: engine, SelfID: selfID, LockTTL: lockTTL, LockRetryWait: lockRetryWait, log: log}
}

func otpContentType(c keystore.ContentType) otp.ContentType { return otp.ContentType(c) }
func localContentType(c otp.ContentType) keystore.ContentType { return keystore.ContentType(c) }

// Send implements spec.md 4.J's 11-step send sequence.
func (p *Pipeline) Send(ctx context.Context, convID, senderID string, contentType keystore.ContentType, fileName, mimeType string, content []byte) (messageID string, err error) {
	// 1. acquire the global send lock.
	if err := lock.Acquire(ctx, p.Store, convID, senderID, p.LockTTL, p.LockRetryWait); err != nil {
		return "", err
	}
	defer func() {
		if relErr := lock.Release(ctx, p.Store, convID, senderID); relErr != nil && err == nil {
			err = relErr
		}
	}()

	// 2. rescan: drain every message not yet stored locally.
	if err := p.rescan(ctx, convID); err != nil {
		return "", err
	}

	// 3. resync: advance local nextAvailableByte to the frontier any
	// peer has already reported, as a safety net.
	if err := p.resync(ctx, convID); err != nil {
		return "", err
	}

	k, err := p.Lifecycle.GetKey(convID)
	if err != nil {
		return "", err
	}
	defer k.Close()

	// 4. fail fast on any inconsistency.
	if err := k.ValidateState(); err != nil {
		return "", err
	}

	// 5. build, serialize, and encrypt the envelope.
	env := otp.BuildEnvelope(senderID, time.Now().UnixMilli(), otpContentType(contentType), fileName, mimeType, content)
	envelopeBytes, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("pipeline: send: marshal envelope: %w", err)
	}
	segment, ok := k.FindAvailableSegmentByBytes(uint64(len(envelopeBytes)))
	if !ok {
		return "", fmt.Errorf("pipeline: send: %w: need %d bytes, have %d", coreerr.ErrInsufficientKey, len(envelopeBytes), k.Len())
	}
	keyBytes, err := k.ExtractKeyBytes(segment.StartIndex, segment.Len())
	if err != nil {
		return "", err
	}
	ciphertext, err := otp.Encrypt(envelopeBytes, keyBytes)
	if err != nil {
		return "", err
	}

	messageID = store.MessageID(segment.StartIndex, segment.EndIndex)

	// 8. (generated ahead of persistence so the local sidecar carries
	// them) my own transfer/read ack ids.
	transferAckID, err := ackid.New(ackid.Transfer)
	if err != nil {
		return "", fmt.Errorf("pipeline: send: %w", err)
	}
	readAckID, err := ackid.New(ackid.Read)
	if err != nil {
		return "", fmt.Errorf("pipeline: send: %w", err)
	}

	// 6. persist locally before publishing.
	local := &keystore.LocalMessage{
		ID:              messageID,
		ConvID:          convID,
		SenderID:        senderID,
		CreatedAt:       time.Now().UTC(),
		ContentType:     contentType,
		KeySegmentStart: segment.StartIndex,
		KeySegmentEnd:   segment.EndIndex,
		ExistsInCloud:   true,
		HasCloudContent: true,
		MyTransferAckID: transferAckID,
		MyReadAckID:     readAckID,
		FileName:        fileName,
		MimeType:        mimeType,
	}
	if contentType == keystore.Text {
		local.TextContent = string(content)
	} else {
		local.BinaryContent = content
	}
	if err := p.Keystore.WriteMessage(local); err != nil {
		return "", err
	}

	// 7. record consumption and truncate the on-disk keystream.
	if err := p.Lifecycle.UpdateUsedBytes(convID, segment.StartIndex, segment.EndIndex, "message", messageID); err != nil {
		return "", err
	}

	// 9. publish to the shared store.
	msg := &store.EncryptedMessage{
		ConvID:          convID,
		KeySegmentStart: segment.StartIndex,
		KeySegmentEnd:   segment.EndIndex,
		Ciphertext:      ciphertext,
		AckSet:          []string{transferAckID, readAckID},
	}
	if err := p.Store.PutMessage(ctx, msg); err != nil {
		return "", err
	}

	// 10. advertise this device's new frontier.
	if err := p.updateKeyStatus(ctx, convID, senderID, segment.EndIndex, segment.EndIndex); err != nil {
		return "", err
	}

	p.log.Infof("pipeline: sent message %s in conversation %s", messageID, convID)
	return messageID, nil
}

// Rescan is the exported one-shot form of step 2's drain, used
// directly by the Message Coordinator's rescanConversation (spec.md
// 4.K) outside of a Send.
func (p *Pipeline) Rescan(ctx context.Context, convID string) error {
	return p.rescan(ctx, convID)
}

// rescan fetches every message currently in the shared store and
// Receives whichever ones aren't stored locally yet (spec.md 4.J step
// 2 / 4.K rescanConversation), oldest first.
func (p *Pipeline) rescan(ctx context.Context, convID string) error {
	msgs, err := p.Store.ListMessages(ctx, convID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		id := msg.ID()
		has, err := p.Keystore.HasMessage(convID, id)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := p.Receive(ctx, convID, msg); err != nil {
			return err
		}
	}
	return nil
}

// resync reads keyStatusPerPeer and advances the local frontier to
// match the furthest peer if it has run ahead, as a safety net
// (spec.md 4.J step 3).
func (p *Pipeline) resync(ctx context.Context, convID string) error {
	conv, err := p.Store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return nil
	}
	k, err := p.Lifecycle.GetKey(convID)
	if err != nil {
		if coreerrIsNotFound(err) {
			return nil
		}
		return err
	}
	maxNext := k.NextAvailableByte
	for _, rng := range conv.KeyStatusPerPeer {
		if rng.StartByte > maxNext {
			maxNext = rng.StartByte
		}
	}
	cur := k.NextAvailableByte
	k.Close()
	if maxNext > cur {
		return p.Lifecycle.UpdateUsedBytes(convID, cur, maxNext, "resync", "")
	}
	return nil
}

func coreerrIsNotFound(err error) bool {
	return errors.Is(err, coreerr.ErrKeyNotFound)
}

// Receive implements spec.md 4.J's receive sequence, invoked by the
// Message Coordinator for every message observed in the stream and
// not yet stored locally.
func (p *Pipeline) Receive(ctx context.Context, convID string, msg *store.EncryptedMessage) error {
	messageID := msg.ID()

	k, err := p.Lifecycle.GetKey(convID)
	if err != nil {
		return err
	}
	defer k.Close()
	if err := k.ValidateState(); err != nil {
		// soft: log and continue per spec.md 4.J step 1.
		p.log.Warningf("pipeline: receive %s: key validation failed: %v", messageID, err)
	}

	keyBytes, err := k.ExtractKeyBytes(msg.KeySegmentStart, msg.KeySegmentEnd-msg.KeySegmentStart)
	if err != nil {
		return err
	}
	envelopeBytes, err := otp.Decrypt(msg.Ciphertext, keyBytes)
	if err != nil {
		return err
	}

	local := &keystore.LocalMessage{
		ID:              messageID,
		ConvID:          convID,
		KeySegmentStart: msg.KeySegmentStart,
		KeySegmentEnd:   msg.KeySegmentEnd,
		ExistsInCloud:   true,
		HasCloudContent: msg.Ciphertext != nil,
		CreatedAt:       msg.ServerTimestamp,
	}

	env, err := otp.UnmarshalEnvelope(envelopeBytes)
	if err != nil {
		local.Corrupted = true
		if werr := p.Keystore.WriteMessage(local); werr != nil {
			return werr
		}
		return p.Lifecycle.UpdateUsedBytes(convID, msg.KeySegmentStart, msg.KeySegmentEnd, "message", messageID)
	}
	content, err := env.DecodedContent()
	if err != nil {
		local.Corrupted = true
		if werr := p.Keystore.WriteMessage(local); werr != nil {
			return werr
		}
		return p.Lifecycle.UpdateUsedBytes(convID, msg.KeySegmentStart, msg.KeySegmentEnd, "message", messageID)
	}

	local.SenderID = env.SenderID
	local.CreatedAt = time.UnixMilli(env.CreatedAtMs).UTC()
	local.ContentType = localContentType(env.ContentType)
	local.FileName = env.FileName
	local.MimeType = env.MimeType
	if env.ContentType == otp.Text {
		local.TextContent = string(content)
	} else {
		local.BinaryContent = content
	}

	// 3. persist locally.
	if err := p.Keystore.WriteMessage(local); err != nil {
		return err
	}

	// 4. record consumption, truncate.
	if err := p.Lifecycle.UpdateUsedBytes(convID, msg.KeySegmentStart, msg.KeySegmentEnd, "message", messageID); err != nil {
		return err
	}

	// 5. generate a fresh transfer ack and union it into the shared doc.
	transferAckID, err := ackid.New(ackid.Transfer)
	if err != nil {
		return fmt.Errorf("pipeline: receive: %w", err)
	}
	if err := p.addAck(ctx, convID, messageID, transferAckID); err != nil {
		return err
	}
	if err := p.Keystore.RecordAck(convID, messageID, transferAckID); err != nil {
		return err
	}

	// 6. advertise this device's new frontier.
	return p.updateKeyStatus(ctx, convID, p.SelfID, msg.KeySegmentEnd, msg.KeySegmentEnd)
}

// MarkRead generates a read ack for messageID, unions it into the
// shared doc, and records it locally (the read-ack half of spec.md
// 4.J step 5/8, triggered by the UI rather than the pipeline itself).
func (p *Pipeline) MarkRead(ctx context.Context, convID, messageID string) error {
	readAckID, err := ackid.New(ackid.Read)
	if err != nil {
		return fmt.Errorf("pipeline: mark read: %w", err)
	}
	if err := p.addAck(ctx, convID, messageID, readAckID); err != nil {
		return err
	}
	if err := p.Keystore.MarkRead(convID, messageID); err != nil {
		return err
	}
	return p.Keystore.RecordAck(convID, messageID, readAckID)
}

// addAck unions ackID into msg.AckSet via a store transaction, and
// performs the server-side cleanup predicates of spec.md 4.J: clear
// the ciphertext once every participant has transfer-acked, delete the
// document once every participant has read-acked.
func (p *Pipeline) addAck(ctx context.Context, convID, messageID, ackIDValue string) error {
	conv, err := p.Store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	participantCount := 0
	if conv != nil {
		participantCount = len(conv.PeerIDs)
	}
	return p.Store.TxnMessage(ctx, convID, messageID, func(cur *store.EncryptedMessage) (*store.EncryptedMessage, error) {
		if cur == nil {
			return nil, nil
		}
		cur.AckSet = unionAck(cur.AckSet, ackIDValue)
		if participantCount > 0 {
			if ackid.CountByPrefix(cur.AckSet, ackid.Transfer) >= participantCount {
				cur.Ciphertext = nil
			}
			if ackid.CountByPrefix(cur.AckSet, ackid.Read) >= participantCount {
				return nil, nil
			}
		}
		return cur, nil
	})
}

func unionAck(ackSet []string, ackIDValue string) []string {
	for _, id := range ackSet {
		if id == ackIDValue {
			return ackSet
		}
	}
	return append(ackSet, ackIDValue)
}

// updateKeyStatus writes this device's keyStatusPerPeer entry
// transactionally (spec.md 4.J step 10/6). selfID identifies this
// device in the map; callers that don't yet know their own peer id
// (e.g. a fresh Receive before any Send) may pass the empty string,
// which is a no-op.
func (p *Pipeline) updateKeyStatus(ctx context.Context, convID, selfID string, startByte, endByte uint64) error {
	if selfID == "" {
		return nil
	}
	return p.Store.TxnConversation(ctx, convID, func(cur *store.Conversation) (*store.Conversation, error) {
		if cur == nil {
			return nil, fmt.Errorf("pipeline: update key status: conversation %q not found", convID)
		}
		if cur.KeyStatusPerPeer == nil {
			cur.KeyStatusPerPeer = map[string]store.ByteRange{}
		}
		cur.KeyStatusPerPeer[selfID] = store.ByteRange{StartByte: startByte, EndByte: endByte}
		return cur, nil
	})
}
