package agentcore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fluxvault/vault/internal/fsobj"
	"github.com/fluxvault/vault/internal/rpc"
)

// resolve maps a remote path as named by a directive (e.g. "/app/quotes.txt")
// onto a real filesystem path under the agent's working directory. The leading slash in a directive's absolute remote path is
// logical, not an OS root — it anchors at workDir instead.
func (c *Core) resolve(remote string) string {
	trimmed := strings.TrimPrefix(filepath.ToSlash(remote), "/")
	if trimmed == "" {
		return c.workDir
	}
	return filepath.Join(c.workDir, filepath.FromSlash(trimmed))
}

// objectHashWire is the wire shape of one get_all_object_hashes entry,
// mirroring internal/state.ObjectHash.
type objectHashWire struct {
	CRC    uint32 `json:"crc"`
	Exists bool   `json:"exists"`
}

func (c *Core) getAllObjectHashes(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	out := make(map[string]objectHashWire, len(args.Paths))
	for _, p := range args.Paths {
		full := c.resolve(p)
		info, err := os.Lstat(full)
		if os.IsNotExist(err) {
			out[p] = objectHashWire{CRC: 0, Exists: false}
			continue
		}
		if err != nil {
			return nil, rpc.NewError(rpc.Internal, err)
		}

		var crc uint32
		if info.IsDir() {
			tree, err := fsobj.BuildTree(full)
			if err != nil {
				return nil, rpc.NewError(rpc.Internal, err)
			}
			crc, err = fsobj.CrcDirectory(tree, tree.Root())
			if err != nil {
				return nil, rpc.NewError(rpc.Internal, err)
			}
		} else {
			crc, err = fsobj.CrcFile(full)
			if err != nil {
				return nil, rpc.NewError(rpc.Internal, err)
			}
		}
		out[p] = objectHashWire{CRC: crc, Exists: true}
	}
	return out, nil
}

func (c *Core) getDirectoryHashes(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	full := c.resolve(args.Path)
	tree, err := fsobj.BuildTree(full)
	if err != nil {
		return nil, rpc.NewError(rpc.Internal, err)
	}
	hashes, err := fsobj.GetDirectoryHashes(tree, tree.Root())
	if err != nil {
		return nil, rpc.NewError(rpc.Internal, err)
	}
	return hashes, nil
}

type writeObjectArgs struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Data  []byte `json:"data"` // base64 over JSON
}

func (c *Core) writeObject(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args writeObjectArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}
	if err := c.writeOne(args); err != nil {
		return nil, rpc.NewError(rpc.Internal, err)
	}
	return nil, nil
}

func (c *Core) writeObjects(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		List []writeObjectArgs `json:"list"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}
	for _, one := range args.List {
		if err := c.writeOne(one); err != nil {
			return nil, rpc.NewError(rpc.Internal, err)
		}
	}
	return nil, nil
}

// writeOne creates parent directories as needed and writes data to path's
// resolved location; if data looks like a gzip-compressed tar it is
// auto-extracted into that directory instead of written verbatim.
func (c *Core) writeOne(args writeObjectArgs) error {
	full := c.resolve(args.Path)

	if args.IsDir {
		return os.MkdirAll(full, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}

	if looksLikeGzipTar(args.Data) {
		return extractTarGz(args.Data, full)
	}

	return os.WriteFile(full, args.Data, 0644)
}

func (c *Core) removeObjects(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}
	for _, p := range args.Paths {
		// RemoveAll keeps remove_objects tolerant of missing paths.
		if err := os.RemoveAll(c.resolve(p)); err != nil {
			return nil, rpc.NewError(rpc.Internal, err)
		}
	}
	return nil, nil
}
