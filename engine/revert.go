package engine

import (
	"fmt"
	"math/big"
	"strings"
)

var (
	errorSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector = [4]byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

var panicCodes = map[uint64]string{
	0x00: "GENERIC_PANIC",
	0x01: "ASSERT_FALSE",
	0x11: "OVERFLOW",
	0x12: "DIVIDE_BY_ZERO",
	0x21: "ENUM_RANGE_ERROR",
	0x22: "BAD_STORAGE_DATA",
	0x31: "STACK_UNDERFLOW",
	0x32: "ARRAY_RANGE_ERROR",
	0x41: "OUT_OF_MEMORY",
	0x51: "UNINITIALIZED_FUNCTION_CALL",
}

// DecodeRevertReason renders a failed execution's return data as a
// human-readable message: empty data is a bare require, data whose length
// is not 4 mod 32 is reported as undecodable, Error(string) and
// Panic(uint256) are decoded, and any other selector is reported as a
// custom error.
func DecodeRevertReason(data []byte) string {
	if len(data) == 0 {
		return "require(false)"
	}
	if len(data)%32 != 4 {
		return "could not decode reason; invalid data length"
	}

	var selector [4]byte
	copy(selector[:], data[:4])
	payload := data[4:]

	switch selector {
	case errorSelector:
		reason, ok := decodeString(payload)
		if !ok {
			return "could not decode reason; invalid data length"
		}
		return reason
	case panicSelector:
		if len(payload) < 32 {
			return "could not decode reason; invalid data length"
		}
		code := new(big.Int).SetBytes(payload[:32])
		symbol := "UNKNOWN"
		if code.IsUint64() {
			if s, ok := panicCodes[code.Uint64()]; ok {
				symbol = s
			}
		}
		return fmt.Sprintf("panic: %s (0x%s)", symbol, code.Text(16))
	default:
		return fmt.Sprintf("unknown custom error (selector 0x%x)", selector)
	}
}

// decodeString unpacks a single ABI-encoded string argument.
func decodeString(payload []byte) (string, bool) {
	if len(payload) < 64 {
		return "", false
	}
	offset := new(big.Int).SetBytes(payload[:32])
	if !offset.IsUint64() || offset.Uint64()+32 > uint64(len(payload)) {
		return "", false
	}
	start := offset.Uint64()
	length := new(big.Int).SetBytes(payload[start : start+32])
	if !length.IsUint64() || start+32+length.Uint64() > uint64(len(payload)) {
		return "", false
	}
	reason := string(payload[start+32 : start+32+length.Uint64()])
	return strings.ToValidUTF8(reason, "?"), true
}
