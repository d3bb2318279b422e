package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Storage is a per-plugin mapping from string to arbitrary value. It is created when its plugin is loaded, destroyed on agent
// shutdown via Registry.Close, and never persisted to disk.
type Storage struct {
	mu   sync.Mutex
	data map[string]any
}

func newStorage() *Storage {
	return &Storage{data: make(map[string]any)}
}

// Get returns the value stored under key, if any.
func (s *Storage) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key, replacing any existing value.
func (s *Storage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key, if present.
func (s *Storage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Plugin is a named collection of methods plus a list of required
// external packages.
type Plugin struct {
	Name             string
	Methods          map[string]Handler
	RequiredPackages []string
}

// PackageInstaller installs a plugin's declared external package
// dependencies via the host's package manager before registration. Out of scope for this module's core; the interface exists so
// a concrete agent deployment can supply one.
type PackageInstaller interface {
	Install(ctx context.Context, packages []string) error
}

// Registry loads plugins into a Dispatcher, prefixing their methods with
// "<plugin_name>." and giving each plugin its own Storage.
type Registry struct {
	mu         sync.Mutex
	dispatcher *Dispatcher
	installer  PackageInstaller
	storages   map[string]*Storage
	log        *slog.Logger
}

// NewRegistry creates a plugin registry bound to dispatcher. installer may
// be nil if no plugin in use declares required packages.
func NewRegistry(dispatcher *Dispatcher, installer PackageInstaller, log *slog.Logger) *Registry {
	return &Registry{
		dispatcher: dispatcher,
		installer:  installer,
		storages:   make(map[string]*Storage),
		log:        log,
	}
}

// Load registers p's methods under "<p.Name>.<method>". If p declares
// required packages, they are installed first; installation failure
// skips the plugin with an error log and returns the error.
func (r *Registry) Load(ctx context.Context, p Plugin) error {
	if len(p.RequiredPackages) > 0 {
		if r.installer == nil {
			err := fmt.Errorf("plugin %q requires packages %v but no installer is configured", p.Name, p.RequiredPackages)
			r.log.Error("skipping plugin load", "plugin", p.Name, "error", err)
			return err
		}
		if err := r.installer.Install(ctx, p.RequiredPackages); err != nil {
			r.log.Error("plugin package install failed, skipping", "plugin", p.Name, "error", err)
			return err
		}
	}

	storage := newStorage()

	r.mu.Lock()
	r.storages[p.Name] = storage
	r.mu.Unlock()

	for method, handler := range p.Methods {
		full := p.Name + "." + method
		r.dispatcher.Register(full, bindStorage(handler, storage))
	}

	r.log.Info("loaded plugin", "plugin", p.Name, "methods", len(p.Methods))
	return nil
}

// bindStorage closes over storage so the dispatcher's generic Handler
// signature can still route the plugin's own storage map to it, even
// though Dispatch is called with a nil storage argument for plugin
// methods (only LoadPlugins-sourced directives know which storage goes
// with which method).
func bindStorage(h Handler, storage *Storage) Handler {
	return func(ctx context.Context, params json.RawMessage, _ *Storage) (any, error) {
		return h(ctx, params, storage)
	}
}

// Unload removes plugin name's methods and destroys its storage.
func (r *Registry) Unload(name string, methodNames []string) {
	for _, m := range methodNames {
		r.dispatcher.Unregister(name + "." + m)
	}
	r.mu.Lock()
	delete(r.storages, name)
	r.mu.Unlock()
}

// Close destroys every plugin's storage, matching the "destroyed on agent
// shutdown" storage lifecycle.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages = make(map[string]*Storage)
}
