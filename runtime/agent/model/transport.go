package model

import "context"

// Capabilities advertises which optional behaviors a ModelTransport supports.
// The core never assumes a capability without checking the corresponding flag
// first; transports that lack a capability return ErrCapabilityUnavailable
// (or, for Streaming, ErrStreamingUnsupported; for Embeddings,
// ErrEmbeddingsUnsupported) from the corresponding method.
type Capabilities struct {
	// Streaming indicates Stream and StreamHandle are supported.
	Streaming bool
	// ToolCalling indicates the transport can honor Request.Tools/ToolChoice.
	ToolCalling bool
	// StructuredOutput indicates the transport can constrain output to a schema.
	StructuredOutput bool
	// Embeddings indicates Embed is supported.
	Embeddings bool
	// Interrupt indicates StreamHandle.Interrupt can abort an in-flight call
	// server-side rather than merely dropping the client-side read.
	Interrupt bool
	// Idempotency indicates the transport deduplicates repeated calls by its
	// own means; Request carries no idempotency key.
	Idempotency bool
}

// EmbedRequest captures inputs for an embedding invocation.
type EmbedRequest struct {
	// Model is the provider-specific embedding model identifier.
	Model string
	// Input lists the strings to embed.
	Input []string
}

// EmbedResponse is the result of an embedding invocation.
type EmbedResponse struct {
	// Vectors holds one embedding per EmbedRequest.Input entry, same order.
	Vectors [][]float32
	// Usage reports token consumption for the request.
	Usage TokenUsage
}

// SessionHandle represents a provider-side session opened via StartSession,
// used by transports that support resuming a prior conversation state
// (e.g., a cached KV session) across process restarts.
type SessionHandle interface {
	// Token returns an opaque token that can be passed to a future
	// StartSession call to resume this session.
	Token() string
	// Close releases provider-side resources associated with the session.
	Close(ctx context.Context) error
}

// StreamHandle exposes control over an in-flight streaming call: the caller
// can read incremental chunks, request cancellation or interruption, or
// await the finalized response.
type StreamHandle interface {
	Streamer

	// Cancel stops reading the stream client-side; no further chunks are
	// delivered. It does not guarantee the provider stops generating.
	Cancel() error

	// Interrupt requests the provider abort generation server-side. Only
	// meaningful when Capabilities.Interrupt is true; otherwise it behaves
	// like Cancel.
	Interrupt(ctx context.Context) error

	// AwaitResult blocks until the stream reaches a terminal chunk and
	// returns the finalized response assembled from the observed chunks.
	AwaitResult(ctx context.Context) (*Response, error)
}

// Transport is the opaque, capability-gated interface the core executor uses
// to reach a model provider. Concrete provider adapters (routing, caching,
// circuit breaking, hedging, streaming codecs) are external collaborators;
// the core only depends on this interface.
type Transport interface {
	// Capabilities reports which optional behaviors this transport supports.
	// The value is fixed for the lifetime of the transport instance.
	Capabilities() Capabilities

	// Chat performs a non-streaming model invocation.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// ChatStream performs a streaming model invocation. Returns
	// ErrStreamingUnsupported if Capabilities().Streaming is false.
	ChatStream(ctx context.Context, req *Request) (Streamer, error)

	// ChatStreamHandle is like ChatStream but returns a handle exposing
	// Cancel/Interrupt/AwaitResult, used by the run executor's interrupt path.
	// Returns ErrStreamingUnsupported if Capabilities().Streaming is false.
	ChatStreamHandle(ctx context.Context, req *Request) (StreamHandle, error)

	// Embed computes embedding vectors. Returns ErrEmbeddingsUnsupported if
	// Capabilities().Embeddings is false.
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)

	// StartSession opens (or resumes, given a non-empty checkpointToken) a
	// provider-side session. sessionToken, when non-empty, requests a
	// specific session; checkpointToken, when non-empty, resumes from a
	// previously persisted SessionHandle.Token(). Transports that do not
	// support sessions may return a no-op handle.
	StartSession(ctx context.Context, sessionToken, checkpointToken string) (SessionHandle, error)
}

// ErrEmbeddingsUnsupported indicates the transport does not support Embed.
var ErrEmbeddingsUnsupported = newUnsupportedErr("embeddings")

// ErrCapabilityUnavailable indicates a requested capability is not supported
// by the transport.
var ErrCapabilityUnavailable = newUnsupportedErr("capability unavailable")

func newUnsupportedErr(what string) error {
	return &capabilityError{what: what}
}

type capabilityError struct{ what string }

func (e *capabilityError) Error() string { return "model: " + e.what + " not supported" }
