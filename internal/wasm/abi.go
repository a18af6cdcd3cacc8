// Package wasm sandboxes and executes compiled guest modules in-process
// using wazero (github.com/tetratelabs/wazero), with fresh-instantiate-
// per-invocation execution linked against a fixed host-function table
// (spec §4.1, §4.4).
package wasm

import (
	"encoding/binary"

	"github.com/plaid-run/plaid/internal/domain"
)

// planReturn decides how a with-return-buffer host function (§4.4) reports
// result bytes against the guest-supplied capacity:
//   - cap == 0 is the discovery call: report the required size without
//     writing anything.
//   - cap < len(result) is a genuine too-small buffer.
//   - otherwise the full result fits and should be written.
//
// The returned "write" flag tells the caller whether to copy result into
// guest memory; code is the value to report back to the guest when no copy
// happens (either the discovery size or a negative error code).
func planReturn(result []byte, cap uint32) (write bool, code int32) {
	n := uint32(len(result))
	if cap == 0 {
		return false, int32(n)
	}
	if cap < n {
		return false, int32(domain.ErrReturnBufferTooSmall)
	}
	return true, int32(n)
}

// encodeMessagePack lays out the fetch_data_and_source wire format exactly:
// [u32 LE len(data)][data][serialized source], per spec §4.2 step 2 and
// domain.Message.EncodeDataAndSource.
func encodeMessagePack(msg domain.Message) ([]byte, error) {
	return msg.EncodeDataAndSource()
}

// decodeLengthPrefixed reads a [u32 LE len][bytes] pair's length prefix
// from a plain byte slice, independent of guest memory.
func decodeLengthPrefixed(buf []byte) (length uint32, rest []byte, ok bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	length = binary.LittleEndian.Uint32(buf[:4])
	return length, buf[4:], true
}
