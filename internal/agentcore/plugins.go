package agentcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fluxvault/vault/internal/rpc"
)

// pluginManifest is the plugin.json a plugin module carries: its declared
// name, the external packages it needs installed before registration, and
// a method table mapping each method name to the executable (relative to
// the module directory) that implements it.
type pluginManifest struct {
	Name             string            `json:"name"`
	RequiredPackages []string          `json:"required_packages,omitempty"`
	Methods          map[string]string `json:"methods"`
}

// loadPlugins scans a directory for plugin modules — subdirectories
// carrying a plugin.json manifest — installs each module's declared
// packages via the configured installer, and registers its methods on the
// dispatcher under "<plugin>.<method>". A module whose manifest is
// malformed or whose packages cannot be installed is skipped with an
// error log; the remaining modules still load.
func (c *Core) loadPlugins(ctx context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Directory string `json:"directory"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	dir := c.resolve(args.Directory)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, rpc.NewError(rpc.Internal, err)
	}

	loaded := []string{}
	skipped := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		moduleDir := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(filepath.Join(moduleDir, "plugin.json"))
		if err != nil {
			continue // no manifest, not a plugin module
		}

		plugin, err := pluginFromManifest(moduleDir, data)
		if err != nil {
			c.log.Error("malformed plugin manifest, skipping", "module", e.Name(), "error", err)
			skipped = append(skipped, e.Name())
			continue
		}
		if err := c.registry.Load(ctx, plugin); err != nil {
			// Load already logged the install failure.
			skipped = append(skipped, plugin.Name)
			continue
		}
		loaded = append(loaded, plugin.Name)
	}
	return map[string]any{"loaded": loaded, "skipped": skipped}, nil
}

// pluginFromManifest turns a parsed manifest into a loadable rpc.Plugin,
// binding every declared method to the executable that implements it.
func pluginFromManifest(moduleDir string, data []byte) (rpc.Plugin, error) {
	var m pluginManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return rpc.Plugin{}, fmt.Errorf("parse plugin.json: %w", err)
	}
	if m.Name == "" {
		return rpc.Plugin{}, fmt.Errorf("manifest declares no name")
	}
	if len(m.Methods) == 0 {
		return rpc.Plugin{}, fmt.Errorf("manifest declares no methods")
	}

	cleanDir := filepath.Clean(moduleDir)
	methods := make(map[string]rpc.Handler, len(m.Methods))
	for name, command := range m.Methods {
		cmdPath := filepath.Join(cleanDir, filepath.FromSlash(command))
		if !strings.HasPrefix(cmdPath, cleanDir+string(filepath.Separator)) {
			return rpc.Plugin{}, fmt.Errorf("method %q command %q escapes the module directory", name, command)
		}
		methods[name] = commandHandler(cleanDir, cmdPath)
	}
	return rpc.Plugin{Name: m.Name, RequiredPackages: m.RequiredPackages, Methods: methods}, nil
}

// commandHandler adapts one plugin executable into an rpc.Handler: the
// request params are piped to the command as JSON on stdin, and its
// stdout becomes the result — decoded as JSON when it parses, returned as
// a plain string otherwise.
func commandHandler(moduleDir, cmdPath string) rpc.Handler {
	return func(ctx context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
		cmd := exec.CommandContext(ctx, cmdPath)
		cmd.Dir = moduleDir
		if len(params) > 0 {
			cmd.Stdin = bytes.NewReader(params)
		}
		out, err := cmd.Output()
		if err != nil {
			return nil, rpc.NewError(rpc.Internal, fmt.Errorf("plugin command %s: %w", filepath.Base(cmdPath), err))
		}

		var v any
		if len(out) > 0 && json.Unmarshal(out, &v) == nil {
			return v, nil
		}
		return string(bytes.TrimSpace(out)), nil
	}
}
