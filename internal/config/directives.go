package config

import (
	"path/filepath"

	"github.com/fluxvault/vault/internal/state"
)

// ResolveDirectives computes comp's full directive list against app,
// applying the group-inheritance and common-files precedence rules:
//
//  1. The component's own directives are always kept.
//  2. Each group in comp.Groups contributes its directives, in declared
//     order; a directive already present (by name) from an earlier,
//     higher-precedence source is not overridden.
//  3. app.CommonFiles are merged last: component-specific (including
//     group-inherited) directives win on name collision, otherwise the
//     common file is added.
//
// Every DirectiveSpec is resolved to an absolute state.Directive:
// LocalPath joins comp.LocalWorkDir with the spec's relative Local path;
// RemoteDir joins comp.RemoteWorkDir with the spec's optional
// RemoteSubdir.
func ResolveDirectives(app *ApplicationConfig, comp *ComponentConfig) ([]state.Directive, error) {
	seen := make(map[string]bool)
	var ordered []DirectiveSpec

	for _, d := range comp.Directives {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		ordered = append(ordered, d)
	}

	for _, group := range comp.Groups {
		for _, d := range app.Groups[group] {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			ordered = append(ordered, d)
		}
	}

	for _, d := range app.CommonFiles {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		ordered = append(ordered, d)
	}

	directives := make([]state.Directive, 0, len(ordered))
	for _, d := range ordered {
		strategy, err := strategyFromString(d.Strategy)
		if err != nil {
			return nil, newError(MalformedYaml, err)
		}
		directives = append(directives, state.Directive{
			Name:      d.Name,
			LocalPath: filepath.Join(comp.LocalWorkDir, filepath.FromSlash(d.Local)),
			RemoteDir: joinRemoteDir(comp.RemoteWorkDir, d.RemoteSubdir),
			Strategy:  strategy,
		})
	}
	return directives, nil
}

func joinRemoteDir(base, subdir string) string {
	if subdir == "" {
		return base
	}
	return base + "/" + subdir
}
