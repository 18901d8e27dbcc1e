package entity

// ChunkKind 流式片段类型
type ChunkKind string

const (
	ChunkThinking    ChunkKind = "thinking"     // reasoning text
	ChunkThinkingEnd ChunkKind = "thinking_end" // phase boundary marker
	ChunkContent     ChunkKind = "content"      // answer text
	ChunkDone        ChunkKind = "done"         // upstream signalled completion
	ChunkError       ChunkKind = "error"        // in-band failure, Reason set
)

// StreamChunk is one normalized event from the upstream stream. Errors travel
// in-band so a single channel carries the whole lifecycle of a completion.
type StreamChunk struct {
	Kind   ChunkKind
	Text   string
	Reason string // error code when Kind == ChunkError
}

// ErrChunk builds an in-band error chunk.
func ErrChunk(reason string) StreamChunk {
	return StreamChunk{Kind: ChunkError, Reason: reason}
}
