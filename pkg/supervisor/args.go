package supervisor

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// argsEncMode uses Core Deterministic Encoding, so the same argument map
// always produces the same bytes on the handler's stdin.
var argsEncMode cbor.EncMode

func init() {
	var err error
	argsEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("supervisor: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeArguments frames args for a handler's stdin: one line holding the
// standard base64 encoding of the CBOR map, terminated by "\n".
func EncodeArguments(args map[string]string) ([]byte, error) {
	if args == nil {
		args = map[string]string{}
	}
	raw, err := argsEncMode.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%s - encode arguments: %w", logPrefix, err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw))+1)
	base64.StdEncoding.Encode(out, raw)
	out[len(out)-1] = '\n'
	return out, nil
}

// DecodeArguments reverses EncodeArguments. Handlers written in Go use it to
// read their stdin.
func DecodeArguments(line []byte) (map[string]string, error) {
	line = bytes.TrimSpace(line)
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(raw, line)
	if err != nil {
		return nil, fmt.Errorf("%s - decode argument framing: %w", logPrefix, err)
	}
	args := map[string]string{}
	if err := cbor.Unmarshal(raw[:n], &args); err != nil {
		return nil, fmt.Errorf("%s - decode arguments: %w", logPrefix, err)
	}
	return args, nil
}
