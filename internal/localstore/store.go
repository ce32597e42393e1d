// Package localstore is the device-scoped persisted cache of the sync engine,
// backed by pebble. Every value is sealed; only the key salt and the wrapped data
// key are stored in clear.
package localstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/and161185/rxportal/internal/crypto/clientcrypto"
	"github.com/and161185/rxportal/internal/model"
)

const (
	keySalt = "meta/salt"
	keyDEK  = "meta/dek"

	recSelected = "selected"
	recMessages = "msgs/"
	recPreview  = "preview/"
	recDeleted  = "deleted/"
)

// ErrBadSecret is returned when the cache secret does not unwrap the stored data key.
var ErrBadSecret = errors.New("localstore: cache secret does not match")

// Store is a sealed key-value cache namespaced by scope (the staff member).
type Store struct {
	db    *pebble.DB
	seal  *clientcrypto.Sealer
	scope string
}

// Open opens (or creates) the cache at dir on disk.
func Open(dir string, secret []byte, scope string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return OpenFS(vfs.Default, dir, secret, scope)
}

// OpenInMemory opens a throwaway cache.
func OpenInMemory(secret []byte, scope string) (*Store, error) {
	return OpenFS(vfs.NewMem(), "", secret, scope)
}

// OpenFS opens the cache at dir on fs.
func OpenFS(fs vfs.FS, dir string, secret []byte, scope string) (*Store, error) {
	if scope == "" {
		return nil, errors.New("validation: empty cache scope")
	}
	db, err := pebble.Open(dir, &pebble.Options{FS: fs})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	dek, err := loadDEK(db, secret)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s, err := clientcrypto.NewSealer(dek, scope)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, seal: s, scope: scope}, nil
}

// loadDEK unwraps the stored data key, creating salt and key on first use.
func loadDEK(db *pebble.DB, secret []byte) ([]byte, error) {
	salt, err := getRaw(db, keySalt)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		if salt, err = clientcrypto.Rand(clientcrypto.SaltLen); err != nil {
			return nil, err
		}
		dek, err := clientcrypto.Rand(clientcrypto.DEKLen)
		if err != nil {
			return nil, err
		}
		wrapped, err := clientcrypto.WrapDEK(clientcrypto.DeriveKEK(secret, salt), dek)
		if err != nil {
			return nil, err
		}
		b := db.NewBatch()
		_ = b.Set([]byte(keySalt), salt, nil)
		_ = b.Set([]byte(keyDEK), wrapped, nil)
		if err := b.Commit(pebble.Sync); err != nil {
			return nil, err
		}
		return dek, nil
	}
	wrapped, err := getRaw(db, keyDEK)
	if err != nil {
		return nil, err
	}
	dek, err := clientcrypto.UnwrapDEK(clientcrypto.DeriveKEK(secret, salt), wrapped)
	if err != nil {
		return nil, ErrBadSecret
	}
	return dek, nil
}

func getRaw(db *pebble.DB, key string) ([]byte, error) {
	v, closer, err := db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) key(rec string) []byte { return []byte(s.scope + "/" + rec) }

func (s *Store) put(rec string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	k := s.key(rec)
	sealed, err := s.seal.Seal(k, raw)
	if err != nil {
		return err
	}
	return s.db.Set(k, sealed, pebble.Sync)
}

// get decodes rec into v; ok is false when the record is absent.
func (s *Store) get(rec string, v any) (bool, error) {
	k := s.key(rec)
	sealed, err := getRaw(s.db, string(k))
	if err != nil || sealed == nil {
		return false, err
	}
	return true, s.decode(k, sealed, v)
}

func (s *Store) decode(k, sealed []byte, v any) error {
	raw, err := s.seal.Open(k, sealed)
	if err != nil {
		return fmt.Errorf("open %s: %w", k, err)
	}
	return json.Unmarshal(raw, v)
}

// scan calls fn for every record under prefix with the id following the prefix.
func (s *Store) scan(prefix string, fn func(id string, k, sealed []byte) error) error {
	lower := s.key(prefix)
	upper := append(bytes.Clone(lower), 0xff)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		k := bytes.Clone(it.Key())
		v := bytes.Clone(it.Value())
		if err := fn(strings.TrimPrefix(string(k), string(lower)), k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

// LastSelected returns the last selected conversation id, or "".
func (s *Store) LastSelected() (string, error) {
	var id string
	_, err := s.get(recSelected, &id)
	return id, err
}

// SetLastSelected records the selection; "" clears it.
func (s *Store) SetLastSelected(id string) error {
	if id == "" {
		return s.db.Delete(s.key(recSelected), pebble.Sync)
	}
	return s.put(recSelected, id)
}

// Messages returns the cached transcript of a conversation.
func (s *Store) Messages(conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	_, err := s.get(recMessages+conversationID, &msgs)
	return msgs, err
}

func (s *Store) SetMessages(conversationID string, msgs []model.Message) error {
	return s.put(recMessages+conversationID, msgs)
}

// Previews returns the cached last-message metadata by conversation id.
func (s *Store) Previews() (map[string]model.Preview, error) {
	out := make(map[string]model.Preview)
	err := s.scan(recPreview, func(id string, k, sealed []byte) error {
		var p model.Preview
		if err := s.decode(k, sealed, &p); err != nil {
			return err
		}
		out[id] = p
		return nil
	})
	return out, err
}

func (s *Store) SetPreview(conversationID string, p model.Preview) error {
	return s.put(recPreview+conversationID, p)
}

// Deleted returns the ids of conversations deleted on this device.
func (s *Store) Deleted() (map[string]bool, error) {
	out := make(map[string]bool)
	err := s.scan(recDeleted, func(id string, _, _ []byte) error {
		out[id] = true
		return nil
	})
	return out, err
}

// MarkDeleted adds id to the deleted set and drops everything cached for it,
// including a matching last selection.
func (s *Store) MarkDeleted(id string) error {
	sealed, err := s.seal.Seal(s.key(recDeleted+id), nil)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	_ = b.Set(s.key(recDeleted+id), sealed, nil)
	_ = b.Delete(s.key(recMessages+id), nil)
	_ = b.Delete(s.key(recPreview+id), nil)
	if sel, err := s.LastSelected(); err == nil && sel == id {
		_ = b.Delete(s.key(recSelected), nil)
	}
	return b.Commit(pebble.Sync)
}
