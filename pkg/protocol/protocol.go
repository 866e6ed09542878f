package protocol

import (
	"fmt"
)

// Dialect identifies a client-facing API protocol.
type Dialect string

const (
	DialectOpenAI          Dialect = "openai"
	DialectOpenAIResponses Dialect = "openai-responses"
	DialectClaude          Dialect = "claude"
	DialectGemini          Dialect = "gemini"
	DialectOllama          Dialect = "ollama"
)

// Codec translates between one dialect and the pivot form. Streaming
// encoders are stateful, so EncodeStream returns a fresh encoder per stream.
type Codec interface {
	Dialect() Dialect

	// ParseRequest decodes a client request body into pivot form.
	ParseRequest(body []byte) (*Request, error)

	// EncodeRequest renders a pivot request as this dialect's wire body.
	EncodeRequest(req *Request) ([]byte, error)

	// ParseResponse decodes an upstream non-streaming response.
	ParseResponse(body []byte, model string) (*Response, error)

	// EncodeResponse renders a pivot response as this dialect's body.
	EncodeResponse(resp *Response) ([]byte, error)

	// NewStreamEncoder returns a stateful encoder that frames pivot chunks
	// in this dialect (SSE events or NDJSON lines).
	NewStreamEncoder(model string) StreamEncoder

	// EncodeModelList renders the unified model list.
	EncodeModelList(models []ModelInfo) ([]byte, error)

	// EncodeError renders an error in the dialect's native envelope.
	EncodeError(status int, message string) []byte
}

// StreamEncoder turns pivot chunks into wire frames. Encode may return zero
// or more frames per chunk; Finish returns the trailing frames the dialect
// requires (terminal events, [DONE] markers).
type StreamEncoder interface {
	Encode(chunk *Chunk) ([][]byte, error)
	Finish() [][]byte
}

// ErrMalformed reports an unparseable client body.
type ErrMalformed struct {
	Dialect Dialect
	Reason  string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed %s request: %s", e.Dialect, e.Reason)
}

var codecs = map[Dialect]Codec{
	DialectOpenAI:          &openAICodec{},
	DialectOpenAIResponses: &responsesCodec{},
	DialectClaude:          &claudeCodec{},
	DialectGemini:          &geminiCodec{},
	DialectOllama:          &ollamaCodec{},
}

// ForDialect returns the codec for a dialect.
func ForDialect(d Dialect) (Codec, error) {
	c, ok := codecs[d]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown dialect %q", d)
	}
	return c, nil
}

// ConvertRequest translates a request body between dialects via the pivot.
func ConvertRequest(body []byte, from, to Dialect) ([]byte, error) {
	src, err := ForDialect(from)
	if err != nil {
		return nil, err
	}
	dst, err := ForDialect(to)
	if err != nil {
		return nil, err
	}
	req, err := src.ParseRequest(body)
	if err != nil {
		return nil, err
	}
	return dst.EncodeRequest(req)
}

// ConvertResponse translates a non-streaming response between dialects.
func ConvertResponse(body []byte, from, to Dialect, model string) ([]byte, error) {
	src, err := ForDialect(from)
	if err != nil {
		return nil, err
	}
	dst, err := ForDialect(to)
	if err != nil {
		return nil, err
	}
	resp, err := src.ParseResponse(body, model)
	if err != nil {
		return nil, err
	}
	return dst.EncodeResponse(resp)
}
