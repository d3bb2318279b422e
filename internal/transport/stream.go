package transport

import (
	"fmt"
	"io"
)

// streamChunkSize bounds a single stream_chunk frame's payload. Well under
// maxFrameSize even after envelope encryption and hex encoding.
const streamChunkSize = 1 * 1024 * 1024

// StreamChunk is one bounded frame of the bulk-stream transfer path: the target path, the byte offset this chunk lands at, and an
// EOF flag on the final frame. Chunks are one-way; delivery is verified by
// the next poll's hash comparison, not by a per-chunk reply.
type StreamChunk struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	EOF    bool   `json:"eof"`
	Data   []byte `json:"data"`
}

// streamChunkMethod distinguishes stream frames from RPC payloads in the
// agent's receive loop.
const streamChunkMethod = "stream_chunk"

// IsStreamChunk reports whether a received frame's method field names the
// bulk-stream path.
func IsStreamChunk(method string) bool { return method == streamChunkMethod }

// StreamFile sends r's contents to remotePath as a sequence of bounded
// stream_chunk frames, final frame flagged EOF. The receiver reassembles
// by offset and truncates to the final size, so re-streaming a shrunk
// file leaves no stale tail.
func (t *Transport) StreamFile(remotePath string, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	var offset int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := StreamChunk{
				Method: streamChunkMethod,
				Path:   remotePath,
				Offset: offset,
				EOF:    false,
				Data:   buf[:n],
			}
			if sendErr := t.Send(chunk); sendErr != nil {
				return sendErr
			}
			offset += int64(n)
		}
		if err == io.EOF {
			return t.Send(StreamChunk{Method: streamChunkMethod, Path: remotePath, Offset: offset, EOF: true})
		}
		if err != nil {
			return fmt.Errorf("read stream source for %s: %w", remotePath, err)
		}
	}
}
