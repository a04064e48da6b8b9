package call

import (
	"bytes"
	"encoding/json"

	"github.com/shhac/quill/internal/mock"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// splitChunks returns the client-stream messages held by payload. A
// top-level {"stream": [...]} object yields one chunk per element;
// anything else is a single chunk. An empty payload yields none. The
// wrapper is not unpacked when input itself declares a stream field.
func splitChunks(input protoreflect.MessageDescriptor, payload []byte) [][]byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil || len(wrapper) != 1 {
		return [][]byte{payload}
	}
	raw, ok := wrapper[mock.StreamKey]
	if !ok || input.Fields().ByName(mock.StreamKey) != nil {
		return [][]byte{payload}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return [][]byte{payload}
	}

	chunks := make([][]byte, 0, len(items))
	for _, item := range items {
		chunks = append(chunks, []byte(item))
	}
	return chunks
}
