package protocol

import (
	"bytes"
	"strings"
)

// sseFrame wraps a JSON payload as one server-sent event.
func sseFrame(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + 10)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// sseEventFrame wraps a payload with an explicit event name, as the
// Anthropic stream framing requires.
func sseEventFrame(event string, data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(event) + len(data) + 18)
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

func sseDone() []byte {
	return []byte("data: [DONE]\n\n")
}

// ndjsonFrame terminates a JSON payload with a newline, the Ollama stream
// framing.
func ndjsonFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, data...)
	return append(out, '\n')
}

// splitDataURL decomposes a data: URL into mime type and base64 payload.
func splitDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}
