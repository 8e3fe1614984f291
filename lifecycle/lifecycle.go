// Package lifecycle implements the Key Lifecycle Engine of spec.md
// 4.E: the only component allowed to touch on-disk key state. It
// wraps keystore (4.C) and sharedkey (4.D) and keeps bytes, metadata,
// and history atomically in sync on every save.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/keystore"
	"github.com/onetimepad/otpcore/sharedkey"
	logging "gopkg.in/op/go-logging.v1"
)

// Engine is the Key Lifecycle Engine: spec.md 4.E.
type Engine struct {
	store *keystore.Store
	log   *logging.Logger
}

// New returns an Engine backed by store.
func New(store *keystore.Store, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.MustGetLogger("lifecycle")
	}
	return &Engine{store: store, log: log}
}

// SaveKey writes k's bytes, metadata, and history atomically. It is
// the only path by which sharedkey state reaches disk.
func (e *Engine) SaveKey(convID string, k *sharedkey.SharedKey) error {
	if err := e.store.WriteKeyBytes(convID, k.Bytes()); err != nil {
		return err
	}
	meta := &keystore.KeyMeta{
		ID:                convID,
		PeerIDs:           k.PeerIDs,
		CreatedAt:         k.CreatedAt,
		NextAvailableByte: k.NextAvailableByte,
	}
	if err := e.store.WriteKeyMeta(convID, meta); err != nil {
		return err
	}
	if err := e.store.WriteHistory(convID, k.History); err != nil {
		return err
	}
	e.log.Debugf("lifecycle: saved key for %s, nextAvailableByte=%d", convID, k.NextAvailableByte)
	return nil
}

// GetKey reads metadata, history, and bytes for convID and constructs
// the in-memory SharedKey. Returns ErrKeyNotFound if no metadata
// exists, ErrKeyCorrupted if history cannot be reconciled with
// nextAvailableByte.
func (e *Engine) GetKey(convID string) (*sharedkey.SharedKey, error) {
	meta, exists, err := e.store.ReadKeyMeta(convID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("lifecycle: get key %q: %w", convID, coreerr.ErrKeyNotFound)
	}
	history, exists, err := e.store.ReadHistory(convID)
	if err != nil {
		return nil, err
	}
	if !exists {
		history = nil
	}
	bytes, err := e.store.ReadKeyBytes(convID)
	if err != nil {
		return nil, err
	}
	k, err := sharedkey.New(convID, bytes, meta.PeerIDs, history, meta.NextAvailableByte)
	if err != nil {
		return nil, err
	}
	k.CreatedAt = meta.CreatedAt
	if err := k.ValidateState(); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// UpdateUsedBytes records consumption of [s,e) for convID, truncates
// the on-disk keystream's prefix by the consumed length, and persists
// the result: spec.md 4.E.
func (e *Engine) UpdateUsedBytes(convID string, s, end uint64, reason, messageID string) error {
	k, err := e.GetKey(convID)
	if err != nil {
		return err
	}
	defer k.Close()

	oldNext := k.NextAvailableByte
	if err := k.MarkBytesAsUsed(s, end, reason, messageID); err != nil {
		return err
	}
	bytesToRemove := k.NextAvailableByte - oldNext

	if bytesToRemove > 0 {
		if err := e.store.TruncateKeyPrefix(convID, bytesToRemove); err != nil {
			return err
		}
	}
	if err := e.SaveKey(convID, k); err != nil {
		return err
	}
	e.log.Infof("lifecycle: consumed [%d,%d) for %s, reason=%s", s, end, convID, reason)
	return nil
}

// CreateKey persists a brand-new SharedKey for convID, used once a KEX
// session finalizes its first segment set (spec.md §3 Lifecycle note).
func (e *Engine) CreateKey(convID string, bytes []byte, peerIDs []string) (*sharedkey.SharedKey, error) {
	k, err := sharedkey.New(convID, bytes, peerIDs, nil, 0)
	if err != nil {
		return nil, err
	}
	k.CreatedAt = time.Now().UTC()
	if err := e.SaveKey(convID, k); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// ExtendKey loads convID's key, extends it with additionalBytes under
// kexID, saves the result, closes the old in-memory view, and returns
// the new one still open (the caller closes it).
func (e *Engine) ExtendKey(convID string, additionalBytes []byte, kexID string) (*sharedkey.SharedKey, error) {
	k, err := e.GetKey(convID)
	if err != nil {
		return nil, err
	}
	extended, err := k.Extend(additionalBytes, kexID)
	k.Close()
	if err != nil {
		return nil, err
	}
	if err := e.SaveKey(convID, extended); err != nil {
		extended.Close()
		return nil, err
	}
	return extended, nil
}
