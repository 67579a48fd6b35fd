package btprotocol

import (
	"bytes"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// ExtensionHandshake is the decoded form of the extension-protocol
// handshake dictionary (extended message, sub-id 0). Added maps
// extension names to the message ids the sender will accept them under;
// Removed lists names the sender has withdrawn (id 0 in the "m"
// dictionary). Everything outside "m" stays opaque in Extra; it is
// interpreted only by extension-specific handlers.
type ExtensionHandshake struct {
	Added   map[string]byte
	Removed []string
	Extra   map[string]interface{}
}

// EncodeExtensionHandshake bencodes the handshake dictionary.
func EncodeExtensionHandshake(h ExtensionHandshake) ([]byte, error) {
	m := make(map[string]interface{}, len(h.Added)+len(h.Removed))
	for name, id := range h.Added {
		m[name] = int64(id)
	}
	for _, name := range h.Removed {
		m[name] = int64(0)
	}

	dict := make(map[string]interface{}, len(h.Extra)+1)
	for k, v := range h.Extra {
		if k == "m" {
			continue
		}
		dict[k] = v
	}
	dict["m"] = m

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, errors.Wrap(err, "encoding extension handshake")
	}
	return buf.Bytes(), nil
}

// DecodeExtensionHandshake parses a bencoded handshake dictionary.
func DecodeExtensionHandshake(b []byte) (h ExtensionHandshake, err error) {
	decoded, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return h, errors.Wrap(err, "decoding extension handshake")
	}

	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return h, errors.New("extension handshake is not a dictionary")
	}

	h.Added = make(map[string]byte)
	h.Extra = make(map[string]interface{})

	for k, v := range dict {
		if k != "m" {
			h.Extra[k] = v
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return h, errors.New("extension handshake \"m\" is not a dictionary")
		}
		for name, rawID := range m {
			id, ok := rawID.(int64)
			if !ok || id < 0 || id > 255 {
				return h, errors.Errorf("extension %q has invalid id", name)
			}
			if id == 0 {
				h.Removed = append(h.Removed, name)
			} else {
				h.Added[name] = byte(id)
			}
		}
	}

	return h, nil
}
