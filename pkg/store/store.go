// Package store persists conversation state, message logs and sync cursors.
// Every sync batch lands in one atomic kv commit, so readers never observe a
// partially applied batch.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"groupsync/pkg/errs"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
	"groupsync/pkg/store/encryption"
	"groupsync/pkg/store/keys"
	"groupsync/pkg/store/kv"
)

// Installation is the local identity record of this client process.
type Installation struct {
	InstallationID string `json:"installation_id"`
	InboxID        string `json:"inbox_id"`
	Address        string `json:"address"`
	CreatedAtNs    int64  `json:"created_at_ns"`
}

// Store is the local state store.
type Store struct {
	db     kv.KV
	cipher encryption.Cipher
}

// New wraps db. A nil cipher stores values unencrypted.
func New(db kv.KV, cipher encryption.Cipher) *Store {
	if cipher == nil {
		cipher = encryption.Plain{}
	}
	return &Store{db: db, cipher: cipher}
}

// KV exposes the underlying engine, for diagnostics.
func (s *Store) KV() kv.KV { return s.db }

func (s *Store) getSealed(ctx context.Context, key string, out any) error {
	rec, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return errs.ErrNotFound
		}
		return fmt.Errorf("read %s: %v: %w", key, err, errs.ErrStorageFailure)
	}
	return s.open(ctx, key, rec, out)
}

func (s *Store) open(ctx context.Context, key string, rec []byte, out any) error {
	b, err := s.cipher.Open(ctx, rec, []byte(key))
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", key, err, errs.ErrStorageFailure)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %v: %w", key, err, errs.ErrStorageFailure)
	}
	return nil
}

func (s *Store) setSealed(ctx context.Context, b *kv.Batch, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	rec, err := s.cipher.Seal(ctx, raw, []byte(key))
	if err != nil {
		return fmt.Errorf("seal %s: %v: %w", key, err, errs.ErrStorageFailure)
	}
	b.Set([]byte(key), rec)
	return nil
}

// LoadConversation returns the committed state and cursor of id, or
// ErrNotFound. Both come from one snapshot, so they always belong to the
// same applied batch.
func (s *Store) LoadConversation(ctx context.Context, id string) (*models.GroupState, uint64, error) {
	stateKey := keys.GenConversationKey(id)
	vals, err := s.db.GetMany([]byte(stateKey), []byte(keys.GenCursorKey(id)))
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %v: %w", stateKey, err, errs.ErrStorageFailure)
	}
	if vals[0] == nil {
		return nil, 0, errs.ErrNotFound
	}
	var st models.GroupState
	if err := s.open(ctx, stateKey, vals[0], &st); err != nil {
		return nil, 0, err
	}
	cur, err := parseCursor(id, vals[1])
	if err != nil {
		return nil, 0, err
	}
	return &st, cur, nil
}

// Cursor returns the last applied log position of id, 0 if never synced.
func (s *Store) Cursor(_ context.Context, id string) (uint64, error) {
	v, err := s.db.Get([]byte(keys.GenCursorKey(id)))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor %s: %v: %w", id, err, errs.ErrStorageFailure)
	}
	return parseCursor(id, v)
}

func parseCursor(id string, v []byte) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	cur, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %v: %w", id, err, errs.ErrStorageFailure)
	}
	return cur, nil
}

// EnsureShell records id as known without materializing it. It reports
// whether a new shell was written.
func (s *Store) EnsureShell(ctx context.Context, id string) (bool, error) {
	if err := keys.ValidateID(id); err != nil {
		return false, err
	}
	if _, err := s.db.Get([]byte(keys.GenConversationKey(id))); err == nil {
		return false, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return false, fmt.Errorf("read %s: %v: %w", id, err, errs.ErrStorageFailure)
	}
	b := kv.NewBatch()
	if err := s.setSealed(ctx, b, keys.GenConversationKey(id), models.NewShell(id)); err != nil {
		return false, err
	}
	b.Set([]byte(keys.GenDirectoryKey(id)), nil)
	if err := s.db.Commit(b); err != nil {
		return false, fmt.Errorf("create shell %s: %v: %w", id, err, errs.ErrStorageFailure)
	}
	logger.Debug("conversation_shell_created", "conversation", id)
	return true, nil
}

// ListConversations returns every known conversation, shells included, in key order.
func (s *Store) ListConversations(ctx context.Context) ([]*models.GroupState, error) {
	var ids []string
	err := s.db.Scan([]byte(keys.DirectoryPrefix), func(k, _ []byte) error {
		id, err := keys.ParseDirectoryKey(string(k))
		if err != nil {
			logger.Warn("directory_key_invalid", "key", string(k), "error", err)
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan directory: %v: %w", err, errs.ErrStorageFailure)
	}
	out := make([]*models.GroupState, 0, len(ids))
	for _, id := range ids {
		var st models.GroupState
		if err := s.getSealed(ctx, keys.GenConversationKey(id), &st); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &st)
	}
	return out, nil
}

// ApplyBatch persists state, newly applied messages and the advanced cursor
// of one conversation in a single atomic commit. On failure nothing is
// written and the error wraps ErrStorageFailure.
func (s *Store) ApplyBatch(ctx context.Context, state *models.GroupState, msgs []models.Message, cursor uint64) error {
	if err := keys.ValidateID(state.ID); err != nil {
		return err
	}
	b := kv.NewBatch()
	if err := s.setSealed(ctx, b, keys.GenConversationKey(state.ID), state); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ConversationID != state.ID {
			return fmt.Errorf("message %s belongs to %s, not %s", m.ID, m.ConversationID, state.ID)
		}
		if err := s.setSealed(ctx, b, keys.GenMessageKey(state.ID, m.Position), m); err != nil {
			return err
		}
	}
	b.Set([]byte(keys.GenCursorKey(state.ID)), []byte(strconv.FormatUint(cursor, 10)))
	b.Set([]byte(keys.GenDirectoryKey(state.ID)), nil)
	if err := s.db.Commit(b); err != nil {
		logger.Error("store_apply_batch_failed", "conversation", state.ID, "messages", len(msgs), "cursor", cursor, "error", err)
		return fmt.Errorf("commit %s: %v: %w", state.ID, err, errs.ErrStorageFailure)
	}
	return nil
}

// Messages returns the applied messages of id in log order, filtered by opts.
func (s *Store) Messages(ctx context.Context, id string, opts models.ListMessagesOptions) ([]models.Message, error) {
	out := []models.Message{}
	err := s.db.Scan([]byte(keys.GenMessagePrefix(id)), func(k, v []byte) error {
		var m models.Message
		if err := s.open(ctx, string(k), v, &m); err != nil {
			return err
		}
		if !opts.Match(m) {
			return nil
		}
		out = append(out, m)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		if errors.Is(err, errs.ErrStorageFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("scan messages %s: %v: %w", id, err, errs.ErrStorageFailure)
	}
	return out, nil
}

var errStopScan = errors.New("stop scan")

// Message returns the message applied at position, or ErrNotFound.
func (s *Store) Message(ctx context.Context, id string, position uint64) (models.Message, error) {
	var m models.Message
	err := s.getSealed(ctx, keys.GenMessageKey(id, position), &m)
	return m, err
}

// LoadInstallation returns the local installation record, or ErrNotFound.
func (s *Store) LoadInstallation(ctx context.Context) (Installation, error) {
	var inst Installation
	found := false
	err := s.db.Scan([]byte(keys.InstallationPref), func(k, v []byte) error {
		if err := s.open(ctx, string(k), v, &inst); err != nil {
			return err
		}
		found = true
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return inst, err
	}
	if !found {
		return inst, errs.ErrNotFound
	}
	return inst, nil
}

// SaveInstallation writes the local installation record.
func (s *Store) SaveInstallation(ctx context.Context, inst Installation) error {
	if err := keys.ValidateID(inst.InstallationID); err != nil {
		return err
	}
	b := kv.NewBatch()
	if err := s.setSealed(ctx, b, keys.GenInstallationKey(inst.InstallationID), inst); err != nil {
		return err
	}
	if err := s.db.Commit(b); err != nil {
		return fmt.Errorf("save installation: %v: %w", err, errs.ErrStorageFailure)
	}
	return nil
}
