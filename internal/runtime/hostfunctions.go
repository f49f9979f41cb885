package runtime

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/enclavevm/wasmbridge/types"
)

// Guest-visible status codes of the address functions. Negative values
// encode well-known failures; zero is success. These are part of the guest
// ABI and must not change.
const (
	canonicalizeOK            int32 = 0
	canonicalizeInvalidUTF8   int32 = -1
	canonicalizeEmptyInput    int32 = -2
	canonicalizeDecodeFailure int32 = -3
	canonicalizeWrongPrefix   int32 = -4
	canonicalizeInvalidBits   int32 = -5

	humanizeOK            int32 = 0
	humanizeEncodeFailure int32 = -1
)

// ReadDB reads the value stored under the key described by the Region at
// keyPtr. It returns 0 when the key is absent, and a Region pointer to a
// freshly allocated copy of the value otherwise. An empty stored value still
// yields a valid Region pointer; only absence maps to 0.
func (c *ContractInstance) ReadDB(ctx context.Context, keyPtr uint32) (int32, error) {
	if err := c.meter.check(); err != nil {
		return 0, err
	}
	key, err := c.ExtractVector(keyPtr)
	if err != nil {
		return 0, err
	}
	c.logger.Trace().Bytes("key", key).Msg("read_db called from wasm")

	value, gasUsed, err := c.store.Read(ctx, c.contractKey, key)
	if err != nil {
		return 0, types.StoreError{Op: "read", Err: err}
	}
	if err := c.meter.consumeExternal(gasUsed); err != nil {
		return 0, err
	}
	if value == nil {
		return 0, nil
	}

	regionPtr, err := c.WriteToMemory(ctx, value)
	if err != nil {
		return 0, err
	}
	return int32(regionPtr), nil
}

// RemoveDB deletes the key described by the Region at keyPtr from the
// contract's storage namespace.
func (c *ContractInstance) RemoveDB(ctx context.Context, keyPtr uint32) error {
	if err := c.meter.check(); err != nil {
		return err
	}
	key, err := c.ExtractVector(keyPtr)
	if err != nil {
		return err
	}
	c.logger.Trace().Bytes("key", key).Msg("remove_db called from wasm")

	gasUsed, err := c.store.Remove(ctx, c.contractKey, key)
	if err != nil {
		return types.StoreError{Op: "remove", Err: err}
	}
	return c.meter.consumeExternal(gasUsed)
}

// WriteDB stores the value under the key, both described by Regions. The
// collaborator stages the write; it only becomes externally visible when the
// whole invocation succeeds, so an out-of-gas failure on the charge below
// never commits the write.
func (c *ContractInstance) WriteDB(ctx context.Context, keyPtr, valuePtr uint32) error {
	if err := c.meter.check(); err != nil {
		return err
	}
	key, err := c.ExtractVector(keyPtr)
	if err != nil {
		return err
	}
	value, err := c.ExtractVector(valuePtr)
	if err != nil {
		return err
	}
	c.logger.Trace().Bytes("key", key).Int("value_len", len(value)).Msg("write_db called from wasm")

	gasUsed, err := c.store.Write(ctx, c.contractKey, key, value)
	if err != nil {
		return types.StoreError{Op: "write", Err: err}
	}
	return c.meter.consumeExternal(gasUsed)
}

// CanonicalizeAddress decodes the human-readable address in the Region at
// humanPtr and writes the canonical bytes into the guest-supplied output
// Region at canonicalPtr. Codec failures degrade to the negative status
// codes of the guest ABI; memory faults are returned as errors and trap the
// invocation.
func (c *ContractInstance) CanonicalizeAddress(ctx context.Context, humanPtr, canonicalPtr uint32) (int32, error) {
	if err := c.meter.check(); err != nil {
		return 0, err
	}
	human, err := c.ExtractVector(humanPtr)
	if err != nil {
		return 0, err
	}
	c.logger.Trace().Bytes("human", human).Msg("canonicalize_address called from wasm")

	if !utf8.Valid(human) {
		c.logger.Error().Bytes("human", human).Msg("canonicalize_address input is not valid utf-8")
		return canonicalizeInvalidUTF8, nil
	}
	humanStr := strings.TrimSpace(string(human))
	if humanStr == "" {
		return canonicalizeEmptyInput, nil
	}

	prefix, data, err := bech32.DecodeNoLimit(humanStr)
	if err != nil {
		c.logger.Error().Str("human", humanStr).Err(err).
			Msg("canonicalize_address failed to decode input as bech32")
		return canonicalizeDecodeFailure, nil
	}
	if prefix != c.bech32Prefix {
		c.logger.Warn().Str("prefix", prefix).Str("expected", c.bech32Prefix).
			Msg("canonicalize_address wrong bech32 prefix")
		return canonicalizeWrongPrefix, nil
	}
	canonical, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		// Padding of a checksummed payload should never be invalid here,
		// but the guest must get a status code rather than a trap if it is.
		c.logger.Warn().Str("human", humanStr).Err(err).
			Msg("canonicalize_address failed to regroup base32 payload")
		return canonicalizeInvalidBits, nil
	}

	if _, err := c.WriteToAllocatedMemory(canonical, canonicalPtr); err != nil {
		return 0, err
	}
	return canonicalizeOK, nil
}

// HumanizeAddress re-encodes the canonical address bytes in the Region at
// canonicalPtr into the checksummed text format and writes the text into the
// guest-supplied output Region at humanPtr.
func (c *ContractInstance) HumanizeAddress(ctx context.Context, canonicalPtr, humanPtr uint32) (int32, error) {
	if err := c.meter.check(); err != nil {
		return 0, err
	}
	canonical, err := c.ExtractVector(canonicalPtr)
	if err != nil {
		return 0, err
	}
	c.logger.Trace().Bytes("canonical", canonical).Msg("humanize_address called from wasm")

	// Encoding only fails on a bad prefix, and ours is fixed and valid, so
	// this path is considered unreachable in practice.
	data, err := bech32.ConvertBits(canonical, 8, 5, true)
	if err != nil {
		c.logger.Error().Err(err).Msg("humanize_address failed to regroup canonical bytes")
		return humanizeEncodeFailure, nil
	}
	humanStr, err := bech32.Encode(c.bech32Prefix, data)
	if err != nil {
		c.logger.Error().Err(err).Msg("humanize_address failed to encode as bech32")
		return humanizeEncodeFailure, nil
	}

	if _, err := c.WriteToAllocatedMemory([]byte(humanStr), humanPtr); err != nil {
		return 0, err
	}
	return humanizeOK, nil
}

// QueryChain sends the query payload described by the Region at queryPtr to
// the cross-module query collaborator, scoped by the requester's nonce and
// public key. It returns 0 when the query produced no result, and a Region
// pointer to the result bytes otherwise.
func (c *ContractInstance) QueryChain(ctx context.Context, queryPtr uint32) (int32, error) {
	if err := c.meter.check(); err != nil {
		return 0, err
	}
	query, err := c.ExtractVector(queryPtr)
	if err != nil {
		return 0, err
	}
	c.logger.Trace().Int("payload_len", len(query)).Msg("query_chain called from wasm")

	result, gasUsed, err := c.querier.Query(ctx, query, c.userNonce, c.userPublicKey)
	if err != nil {
		return 0, types.QueryError{Err: err}
	}
	if err := c.meter.consumeExternal(gasUsed); err != nil {
		return 0, err
	}
	if result == nil {
		// Empty results keep the 0 sentinel for ABI compatibility, even
		// though it is indistinguishable from "no result".
		return 0, nil
	}

	regionPtr, err := c.WriteToMemory(ctx, result)
	if err != nil {
		return 0, err
	}
	return int32(regionPtr), nil
}

// ChargeGas adds an explicit, interpreter-metered amount to the gas total.
// The wire value is a sign-extended i32, so a negative amount charges an
// enormous total and exhausts the meter immediately.
func (c *ContractInstance) ChargeGas(amount int32) error {
	return c.meter.consume(uint64(int64(amount)))
}
