// Package types provides the public types shared between the wasmbridge
// facade, the execution runtime, and the external collaborators (encrypted
// storage, cross-module queries).
package types

import "context"

// Checksum is a 32-byte SHA-256 digest identifying a stored Wasm code blob.
type Checksum []byte

// ContractKey is the opaque identifier binding an invocation to a specific
// contract's encrypted storage namespace.
type ContractKey [64]byte

// Nonce is the requester's per-invocation nonce, used to scope and encrypt
// cross-contract query results.
type Nonce [32]byte

// PublicKey is the requester's Ed25519 public key.
type PublicKey [32]byte

// EncryptedStore is the persistent contract state collaborator. Keys are
// scoped by contract key so contracts cannot read or write each other's
// state.
//
// Read returns a nil value for an absent key. A present key with an empty
// value returns an empty, non-nil slice; callers must preserve that
// distinction. Every method reports the gas cost of the operation.
type EncryptedStore interface {
	Read(ctx context.Context, contractKey ContractKey, key []byte) (value []byte, gas uint64, err error)
	Write(ctx context.Context, contractKey ContractKey, key, value []byte) (gas uint64, err error)
	Remove(ctx context.Context, contractKey ContractKey, key []byte) (gas uint64, err error)
}

// ChainQuerier lets a contract issue read-only queries against other modules.
// The requester nonce and public key scope the encrypted response. A nil
// result with a nil error means the query produced no response.
type ChainQuerier interface {
	Query(ctx context.Context, payload []byte, nonce Nonce, publicKey PublicKey) (result []byte, gas uint64, err error)
}
