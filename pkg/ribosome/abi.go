package ribosome

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/vmihailenco/msgpack/v5"
)

// The guest ABI: every guest function takes one (ptr, len) argument pair
// pointing at msgpack bytes in linear memory and returns a packed u64
// (ptr<<32 | len) pointing at a serialized guestOutput. Guests export
// allocate/deallocate for the host to place input bytes.

// guestOutput is the Result<T, WasmError> envelope crossing the ABI in both
// directions.
type guestOutput struct {
	Ok  []byte     `msgpack:"ok,omitempty"`
	Err *WasmError `msgpack:"err,omitempty"`
}

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackPtrLen(packed uint64) (uint32, uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// writeGuestMemory allocates in the guest and copies data in.
func writeGuestMemory(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	alloc := mod.ExportedFunction("allocate")
	if alloc == nil {
		return 0, &WasmError{Kind: ErrKindMemory, Message: "guest does not export allocate"}
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, &WasmError{Kind: ErrKindMemory, Message: err.Error()}
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, &WasmError{Kind: ErrKindMemory, Message: fmt.Sprintf("failed to write %d bytes at %d", len(data), ptr)}
	}
	return ptr, nil
}

// readGuestMemory copies (ptr, len) out of the guest.
func readGuestMemory(mod api.Module, ptr, length uint32) ([]byte, error) {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, &WasmError{Kind: ErrKindPointerMap, Message: fmt.Sprintf("failed to read %d bytes at %d", length, ptr)}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// decodeGuestOutput parses the guest's return envelope, surfacing guest
// errors as WasmError.
func decodeGuestOutput(data []byte) ([]byte, error) {
	var out guestOutput
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, &WasmError{Kind: ErrKindDeserialize, Message: err.Error()}
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Ok, nil
}

// encodeHostOutput builds the envelope a host function hands back to the
// guest.
func encodeHostOutput(ok []byte, hostErr error) ([]byte, error) {
	out := guestOutput{Ok: ok}
	if hostErr != nil {
		if we, isWasm := hostErr.(*WasmError); isWasm {
			out = guestOutput{Err: we}
		} else {
			out = guestOutput{Err: hostError(hostErr.Error())}
		}
	}
	data, err := msgpack.Marshal(&out)
	if err != nil {
		return nil, &WasmError{Kind: ErrKindSerialize, Message: err.Error()}
	}
	return data, nil
}
