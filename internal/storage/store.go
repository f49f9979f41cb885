// Package storage provides the default encrypted state collaborator: a
// contract-scoped, AES-GCM encrypted key-value store over a cometbft-db
// backend. Writes are staged per invocation and only reach the backing
// database when the invocation commits, so a trapped execution (including
// out-of-gas) leaves no externally visible effect.
package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/enclavevm/wasmbridge/types"
)

// Store owns the backing database and the master sealing key. It is safe to
// share between invocations; each invocation works through its own Session.
type Store struct {
	db     dbm.DB
	master []byte
	costs  types.GasCosts
}

// New creates a store over db. masterKey seals all contract state; every
// contract gets a subkey derived from it and the contract key, so contracts
// cannot decrypt each other's state even with raw database access.
func New(db dbm.DB, masterKey []byte, costs types.GasCosts) *Store {
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &Store{db: db, master: master, costs: costs}
}

// subkey derives the per-contract sealing key.
func (s *Store) subkey(contractKey types.ContractKey) []byte {
	h := sha256.New()
	h.Write(s.master)
	h.Write(contractKey[:])
	return h.Sum(nil)
}

// dbKey hides the contract's key names from the backing database while
// keeping lookups deterministic. The HMAC key is the contract subkey, which
// also namespaces keys per contract.
func dbKey(subkey, key []byte) []byte {
	mac := hmac.New(sha256.New, subkey)
	mac.Write(key)
	return mac.Sum(nil)
}

// seal encrypts plaintext under subkey with AES-256-GCM. The random nonce is
// prepended to the ciphertext.
func seal(subkey, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("sealing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealing mode: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("sealing nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a value produced by seal.
func open(subkey, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("opening cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("opening mode: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed value too short: %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening value: %w", err)
	}
	if plaintext == nil {
		// Present-but-empty values must stay distinguishable from absent
		// keys, which are reported as nil.
		plaintext = []byte{}
	}
	return plaintext, nil
}

// pendingValue is a staged mutation. deleted and sealed are mutually
// exclusive; sealed holds the already-encrypted value so Commit writes
// exactly the bytes staged here.
type pendingValue struct {
	sealed  []byte
	deleted bool
}

// Session is one invocation's view of the store. Reads see staged writes of
// the same session; the backing database only changes on Commit. A Session
// is owned by a single invocation and is not safe for concurrent use.
type Session struct {
	store   *Store
	pending map[string]pendingValue
}

var _ types.EncryptedStore = (*Session)(nil)

// Begin opens a staged session for one contract invocation.
func (s *Store) Begin() *Session {
	return &Session{
		store:   s,
		pending: make(map[string]pendingValue),
	}
}

// Read returns the decrypted value under key, or nil when the key is absent.
func (s *Session) Read(_ context.Context, contractKey types.ContractKey, key []byte) ([]byte, uint64, error) {
	subkey := s.store.subkey(contractKey)
	dk := dbKey(subkey, key)

	if p, ok := s.pending[string(dk)]; ok {
		if p.deleted {
			return nil, s.store.costs.ReadBase + s.store.costs.PerByte*uint64(len(key)), nil
		}
		value, err := open(subkey, p.sealed)
		if err != nil {
			return nil, 0, err
		}
		gas := s.store.costs.ReadBase + s.store.costs.PerByte*uint64(len(key)+len(value))
		return value, gas, nil
	}

	sealed, err := s.store.db.Get(dk)
	if err != nil {
		return nil, 0, fmt.Errorf("backing read: %w", err)
	}
	if sealed == nil {
		return nil, s.store.costs.ReadBase + s.store.costs.PerByte*uint64(len(key)), nil
	}
	value, err := open(subkey, sealed)
	if err != nil {
		return nil, 0, err
	}
	gas := s.store.costs.ReadBase + s.store.costs.PerByte*uint64(len(key)+len(value))
	return value, gas, nil
}

// Write seals value under the contract subkey and stages it under key.
func (s *Session) Write(_ context.Context, contractKey types.ContractKey, key, value []byte) (uint64, error) {
	subkey := s.store.subkey(contractKey)
	dk := dbKey(subkey, key)

	sealed, err := seal(subkey, value)
	if err != nil {
		return 0, err
	}
	s.pending[string(dk)] = pendingValue{sealed: sealed}

	return s.store.costs.WriteBase + s.store.costs.PerByte*uint64(len(key)+len(value)), nil
}

// Remove stages the deletion of key.
func (s *Session) Remove(_ context.Context, contractKey types.ContractKey, key []byte) (uint64, error) {
	subkey := s.store.subkey(contractKey)
	dk := dbKey(subkey, key)
	s.pending[string(dk)] = pendingValue{deleted: true}
	return s.store.costs.RemoveBase + s.store.costs.PerByte*uint64(len(key)), nil
}

// Commit writes all staged mutations to the backing database in one batch.
// The session must not be used afterwards.
func (s *Session) Commit() error {
	batch := s.store.db.NewBatch()
	defer batch.Close()

	for dk, p := range s.pending {
		if p.deleted {
			if err := batch.Delete([]byte(dk)); err != nil {
				return fmt.Errorf("batch delete: %w", err)
			}
			continue
		}
		if err := batch.Set([]byte(dk), p.sealed); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("batch write: %w", err)
	}
	s.pending = nil
	return nil
}

// Discard drops all staged mutations, leaving the backing database
// untouched. Called when the invocation traps.
func (s *Session) Discard() {
	s.pending = nil
}
