package agentcore

import (
	"os"
	"path/filepath"

	"github.com/fluxvault/vault/internal/transport"
)

// applyStreamChunk lands one bulk-stream frame: data is
// written at the frame's offset, parent directories are created as for
// write_object, and the EOF frame truncates to the final size so a
// re-streamed file that shrank leaves no stale tail.
func (c *Core) applyStreamChunk(chunk transport.StreamChunk) error {
	full := c.resolve(chunk.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(chunk.Data) > 0 {
		if _, err := f.WriteAt(chunk.Data, chunk.Offset); err != nil {
			return err
		}
	}
	if chunk.EOF {
		return f.Truncate(chunk.Offset + int64(len(chunk.Data)))
	}
	return nil
}
