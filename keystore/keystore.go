package keystore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/keyhistory"
	logging "gopkg.in/op/go-logging.v1"
)

const (
	keyFileName      = "key.bin"
	keyMetaFileName  = "key_meta.json"
	historyFileName  = "history.json"
	acksFileName     = "acks.json"
	readMsgsFileName = "read_messages.json"
	messagesDirName  = "messages"
	rosterFileName   = "conversations.json"

	dirPerm  = 0700
	filePerm = 0600
)

// Store is the on-disk Local Storage component. One Store instance
// owns one root directory holding one subdirectory per conversation.
type Store struct {
	root       string
	log        *logging.Logger
	passphrase []byte
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.MustGetLogger("keystore")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, coreerr.NewIOError(root, err)
	}
	return &Store{root: root, log: log}, nil
}

// WithPassphrase enables at-rest sealing of key.bin under passphrase:
// an optional host convenience (SPEC_FULL.md §2), never a substitute
// for the keystream's own one-time-use discipline.
func (s *Store) WithPassphrase(passphrase []byte) *Store {
	s.passphrase = passphrase
	return s
}

func (s *Store) convDir(convID string) string {
	return filepath.Join(s.root, "conversations", convID)
}

func (s *Store) messagesDir(convID string) string {
	return filepath.Join(s.convDir(convID), messagesDirName)
}

// EnsureConversationDir creates the directory for convID (and its
// messages subdirectory) if it doesn't already exist.
func (s *Store) EnsureConversationDir(convID string) error {
	if err := os.MkdirAll(s.messagesDir(convID), dirPerm); err != nil {
		return coreerr.NewIOError(s.messagesDir(convID), err)
	}
	return nil
}

// -- keystream bytes (key.bin) --

// ReadKeyBytes returns the currently-present keystream prefix for
// convID, or nil if no key.bin exists yet. If the Store was built
// WithPassphrase, key.bin is unsealed after reading.
func (s *Store) ReadKeyBytes(convID string) ([]byte, error) {
	path := filepath.Join(s.convDir(convID), keyFileName)
	data, exists, err := readFileIfExists(path)
	if err != nil || !exists || len(s.passphrase) == 0 {
		return data, err
	}
	plaintext, err := unseal(s.passphrase, data)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w: %v", coreerr.ErrKeyCorrupted, err)
	}
	return plaintext, nil
}

// WriteKeyBytes atomically replaces key.bin with data. If the Store
// was built WithPassphrase, data is sealed before it touches disk.
func (s *Store) WriteKeyBytes(convID string, data []byte) error {
	if err := s.EnsureConversationDir(convID); err != nil {
		return err
	}
	path := filepath.Join(s.convDir(convID), keyFileName)
	if len(s.passphrase) > 0 {
		sealed, err := seal(s.passphrase, data)
		if err != nil {
			return err
		}
		return atomicWriteFile(path, sealed, filePerm)
	}
	return atomicWriteFile(path, data, filePerm)
}

// TruncateKeyPrefix removes the first n bytes of key.bin, per
// spec.md 4.C: if n >= len(file), the file is deleted outright.
func (s *Store) TruncateKeyPrefix(convID string, n uint64) error {
	path := filepath.Join(s.convDir(convID), keyFileName)
	data, err := s.ReadKeyBytes(convID)
	if err != nil {
		return err
	}
	if data == nil {
		if n == 0 {
			return nil
		}
		return fmt.Errorf("keystore: truncate %d bytes: %w: no key.bin for %q", n, coreerr.ErrKeyNotFound, convID)
	}
	if n >= uint64(len(data)) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return coreerr.NewIOError(path, err)
		}
		return nil
	}
	return s.WriteKeyBytes(convID, data[n:])
}

// -- key_meta.json --

func (s *Store) ReadKeyMeta(convID string) (*KeyMeta, bool, error) {
	path := filepath.Join(s.convDir(convID), keyMetaFileName)
	data, exists, err := readFileIfExists(path)
	if err != nil || !exists {
		return nil, exists, err
	}
	var meta KeyMeta
	if err := unmarshalJSON(data, &meta); err != nil {
		return nil, true, fmt.Errorf("keystore: %w: decode key_meta.json: %v", coreerr.ErrKeyCorrupted, err)
	}
	return &meta, true, nil
}

func (s *Store) WriteKeyMeta(convID string, meta *KeyMeta) error {
	if err := s.EnsureConversationDir(convID); err != nil {
		return err
	}
	data, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	path := filepath.Join(s.convDir(convID), keyMetaFileName)
	return atomicWriteFile(path, data, filePerm)
}

// -- history.json --

func (s *Store) ReadHistory(convID string) (*keyhistory.KeyHistory, bool, error) {
	path := filepath.Join(s.convDir(convID), historyFileName)
	data, exists, err := readFileIfExists(path)
	if err != nil || !exists {
		return nil, exists, err
	}
	h := keyhistory.New(convID)
	if err := unmarshalJSON(data, h); err != nil {
		return nil, true, fmt.Errorf("keystore: %w: decode history.json: %v", coreerr.ErrKeyCorrupted, err)
	}
	return h, true, nil
}

func (s *Store) WriteHistory(convID string, h *keyhistory.KeyHistory) error {
	if err := s.EnsureConversationDir(convID); err != nil {
		return err
	}
	data, err := marshalJSON(h)
	if err != nil {
		return err
	}
	path := filepath.Join(s.convDir(convID), historyFileName)
	return atomicWriteFile(path, data, filePerm)
}

// -- messages/{messageId}.json --

func (s *Store) ReadMessage(convID, messageID string) (*LocalMessage, bool, error) {
	path := filepath.Join(s.messagesDir(convID), messageID+".json")
	data, exists, err := readFileIfExists(path)
	if err != nil || !exists {
		return nil, exists, err
	}
	var msg LocalMessage
	if err := unmarshalJSON(data, &msg); err != nil {
		return nil, true, fmt.Errorf("keystore: decode message %q: %w", messageID, err)
	}
	return &msg, true, nil
}

func (s *Store) WriteMessage(msg *LocalMessage) error {
	if err := s.EnsureConversationDir(msg.ConvID); err != nil {
		return err
	}
	data, err := marshalJSON(msg)
	if err != nil {
		return err
	}
	path := filepath.Join(s.messagesDir(msg.ConvID), msg.ID+".json")
	return atomicWriteFile(path, data, filePerm)
}

// ListMessageIDs returns every message id persisted locally for convID.
func (s *Store) ListMessageIDs(convID string) ([]string, error) {
	dir := s.messagesDir(convID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.NewIOError(dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".json" {
			ids = append(ids, name[:len(name)-5])
		}
	}
	return ids, nil
}

// HasMessage reports whether messageID already has a local sidecar,
// the "is this not already stored locally" guard of spec.md 4.K.
func (s *Store) HasMessage(convID, messageID string) (bool, error) {
	path := filepath.Join(s.messagesDir(convID), messageID+".json")
	_, exists, err := readFileIfExists(path)
	return exists, err
}

// -- acks.json --

func (s *Store) ReadAcks(convID string) (Acks, error) {
	path := filepath.Join(s.convDir(convID), acksFileName)
	data, exists, err := readFileIfExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return Acks{}, nil
	}
	acks := Acks{}
	if err := unmarshalJSON(data, &acks); err != nil {
		return nil, fmt.Errorf("keystore: decode acks.json: %w", err)
	}
	return acks, nil
}

func (s *Store) WriteAcks(convID string, acks Acks) error {
	if err := s.EnsureConversationDir(convID); err != nil {
		return err
	}
	data, err := marshalJSON(acks)
	if err != nil {
		return err
	}
	path := filepath.Join(s.convDir(convID), acksFileName)
	return atomicWriteFile(path, data, filePerm)
}

// RecordAck upserts messageID -> ackID into acks.json.
func (s *Store) RecordAck(convID, messageID, ackID string) error {
	acks, err := s.ReadAcks(convID)
	if err != nil {
		return err
	}
	acks[messageID] = ackID
	return s.WriteAcks(convID, acks)
}

// -- read_messages.json --

func (s *Store) ReadReadMessages(convID string) (ReadMessages, error) {
	path := filepath.Join(s.convDir(convID), readMsgsFileName)
	data, exists, err := readFileIfExists(path)
	if err != nil || !exists {
		return ReadMessages{}, err
	}
	var rm ReadMessages
	if err := unmarshalJSON(data, &rm); err != nil {
		return nil, fmt.Errorf("keystore: decode read_messages.json: %w", err)
	}
	return rm, nil
}

func (s *Store) WriteReadMessages(convID string, rm ReadMessages) error {
	if err := s.EnsureConversationDir(convID); err != nil {
		return err
	}
	data, err := marshalJSON(rm)
	if err != nil {
		return err
	}
	path := filepath.Join(s.convDir(convID), readMsgsFileName)
	return atomicWriteFile(path, data, filePerm)
}

// MarkRead appends messageID to read_messages.json if not already present.
func (s *Store) MarkRead(convID, messageID string) error {
	rm, err := s.ReadReadMessages(convID)
	if err != nil {
		return err
	}
	for _, id := range rm {
		if id == messageID {
			return nil
		}
	}
	rm = append(rm, messageID)
	return s.WriteReadMessages(convID, rm)
}

// -- conversations.json (roster) --

func (s *Store) ReadRoster() (*Roster, error) {
	path := filepath.Join(s.root, rosterFileName)
	data, exists, err := readFileIfExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Roster{}, nil
	}
	var r Roster
	if err := unmarshalJSON(data, &r); err != nil {
		return nil, fmt.Errorf("keystore: decode conversations.json: %w", err)
	}
	return &r, nil
}

func (s *Store) WriteRoster(r *Roster) error {
	data, err := marshalJSON(r)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, rosterFileName)
	return atomicWriteFile(path, data, filePerm)
}

// AddToRoster upserts a RosterEntry for convID.
func (s *Store) AddToRoster(convID string, peerIDs []string) error {
	r, err := s.ReadRoster()
	if err != nil {
		return err
	}
	for i, e := range r.Entries {
		if e.ConversationID == convID {
			r.Entries[i].PeerIDs = peerIDs
			return s.WriteRoster(r)
		}
	}
	r.Entries = append(r.Entries, RosterEntry{ConversationID: convID, PeerIDs: peerIDs})
	return s.WriteRoster(r)
}
