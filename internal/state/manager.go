package state

import (
	"context"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/fluxvault/vault/internal/fsobj"
)

// FsEntryStateManager tracks one RemoteStateDirective's reconciliation state
// against one agent. One instance exists
// per (component, directive, agent) for the component's lifetime.
type FsEntryStateManager struct {
	Directive Directive

	LocalCRC           uint32
	RemoteCRC          uint32
	ValidatedRemoteCRC uint32 // ALLOW_ADDS memo; 0 until first memoization
	InSync             bool
	LocalExists        bool
	RemoteExists       bool

	log *slog.Logger
}

// NewFsEntryStateManager constructs a manager for d, logging under log with
// the directive name attached.
func NewFsEntryStateManager(d Directive, log *slog.Logger) *FsEntryStateManager {
	return &FsEntryStateManager{
		Directive: d,
		log:       log.With("directive", d.Name),
	}
}

// Reconcile runs one poll cycle of the directive's sync algorithm
// against client.
func (m *FsEntryStateManager) Reconcile(ctx context.Context, client AgentClient) error {
	localFull := m.Directive.LocalPath

	tree, err := fsobj.BuildTree(localFull)
	if err != nil {
		m.LocalExists = false
		m.InSync = false
		if os.IsNotExist(err) {
			m.log.Warn("local object missing, skipping directive", "path", localFull)
			return nil
		}
		return wrapFsErr(m.Directive.Name, err)
	}
	if err := fsobj.Realize(tree); err != nil {
		return wrapFsErr(m.Directive.Name, err)
	}
	m.LocalExists = true

	localCRC, err := topLevelCRC(tree, tree.Root())
	if err != nil {
		return wrapFsErr(m.Directive.Name, err)
	}

	// ALLOW_ADDS memo: a prior poll validated the remote as a
	// superset-or-equal of exactly this local state, so an unchanged local
	// CRC means there is nothing to re-diff and no RPC to issue.
	if m.Directive.Strategy == ALLOW_ADDS && m.ValidatedRemoteCRC != 0 && localCRC == m.LocalCRC {
		m.InSync = true
		return nil
	}
	m.LocalCRC = localCRC

	remotePath := m.Directive.RemotePath()
	hashes, err := client.GetAllObjectHashes(ctx, []string{remotePath})
	if err != nil {
		return newError(m.Directive.Name, LocalObjectUnreadable, err)
	}
	remote, ok := hashes[remotePath]
	m.RemoteExists = ok && remote.Exists
	m.RemoteCRC = remote.CRC

	if m.LocalCRC == m.RemoteCRC {
		m.InSync = true
		return nil
	}
	m.InSync = false

	if m.Directive.Strategy == ENSURE_CREATED && m.RemoteExists {
		return nil
	}

	if tree.Root().Kind == fsobj.KindDir {
		return m.reconcileDirectory(ctx, client, tree)
	}
	return m.reconcileFile(ctx, client, localFull)
}

// topLevelCRC is the directive's top-level CRC: a file's content hash, or a
// directory's hierarchical CRC.
func topLevelCRC(tree *fsobj.Tree, root *fsobj.Entry) (uint32, error) {
	if root.Kind == fsobj.KindDir {
		return fsobj.CrcDirectory(tree, root)
	}
	return fsobj.CrcFile(tree.Base)
}

func (m *FsEntryStateManager) reconcileFile(ctx context.Context, client AgentClient, localFull string) error {
	if err := m.transfer(ctx, client, []TransferPair{{Local: localFull, Remote: m.Directive.RemotePath()}}); err != nil {
		return err
	}
	m.markConverged()
	return nil
}

// markConverged records that the remote now mirrors the local object, so
// the post-transfer state satisfies the in_sync invariant without waiting
// for the next poll's hash fetch.
func (m *FsEntryStateManager) markConverged() {
	m.RemoteCRC = m.LocalCRC
	m.RemoteExists = true
	m.InSync = true
}

func (m *FsEntryStateManager) reconcileDirectory(ctx context.Context, client AgentClient, tree *fsobj.Tree) error {
	localHashes, err := fsobj.GetDirectoryHashes(tree, tree.Root())
	if err != nil {
		return wrapFsErr(m.Directive.Name, err)
	}
	remoteHashes, err := client.GetDirectoryHashes(ctx, m.Directive.RemotePath())
	if err != nil {
		return newError(m.Directive.Name, LocalObjectUnreadable, err)
	}

	var candidatePairs []TransferPair
	var extraPaths []string

	entriesByRelPath := make(map[string]*fsobj.Entry)
	tree.Walk(func(e *fsobj.Entry) { entriesByRelPath[e.RelPath] = e })

	for relPath, localCRC := range localHashes {
		if relPath == "" {
			continue // the directive's own top-level CRC, already compared in Reconcile
		}
		if remoteCRC, ok := remoteHashes[relPath]; !ok || remoteCRC != localCRC {
			entry := entriesByRelPath[relPath]
			if entry != nil && entry.Kind == fsobj.KindFile {
				candidatePairs = append(candidatePairs, TransferPair{
					Local:  path.Join(tree.Base, relPath),
					Remote: joinRemote(m.Directive.RemotePath(), relPath),
				})
			} else if entry != nil && entry.Kind == fsobj.KindDir {
				candidatePairs = append(candidatePairs, TransferPair{
					Local:  "",
					Remote: joinRemote(m.Directive.RemotePath(), relPath),
				})
			}
		}
	}

	for relPath := range remoteHashes {
		if relPath == "" {
			continue
		}
		if _, ok := localHashes[relPath]; !ok {
			extraPaths = append(extraPaths, joinRemote(m.Directive.RemotePath(), relPath))
		}
	}
	extraPaths = filterHierarchy(extraPaths)

	switch m.Directive.Strategy {
	case STRICT:
		if len(extraPaths) > 0 {
			if err := client.RemoveObjects(ctx, extraPaths); err != nil {
				return newError(m.Directive.Name, LocalObjectUnreadable, err)
			}
		}
	case ALLOW_ADDS:
		// Memoize only once the remote is a confirmed superset; with
		// candidates pending, validation waits for the next poll to see the
		// post-transfer remote CRC.
		if len(candidatePairs) == 0 {
			m.ValidatedRemoteCRC = m.RemoteCRC
		}
	}

	if err := m.transfer(ctx, client, candidatePairs); err != nil {
		return err
	}
	if m.Directive.Strategy != ALLOW_ADDS {
		// STRICT removed the extras and ENSURE_CREATED only ran because the
		// remote was absent, so the remote tree now mirrors the local one.
		// Under ALLOW_ADDS the remote keeps its extras; the next poll's
		// hash fetch decides and memoizes.
		m.markConverged()
	}
	return nil
}

// transfer applies the transfer policy: inline writes when the total
// candidate size is within the 50 MiB ceiling, otherwise a single bulk
// stream call.
func (m *FsEntryStateManager) transfer(ctx context.Context, client AgentClient, pairs []TransferPair) error {
	if len(pairs) == 0 {
		return nil
	}

	var total int64
	for _, p := range pairs {
		if p.Local == "" {
			continue // empty directory marker, no bytes to size
		}
		info, err := os.Stat(p.Local)
		if err != nil {
			return wrapFsErr(m.Directive.Name, err)
		}
		total += info.Size()
	}

	if total > fsobj.MaxInlineBytes {
		m.log.Info("streaming transfer, exceeds inline ceiling", "bytes", total, "files", len(pairs))
		if err := client.StreamObjects(ctx, pairs); err != nil {
			return newError(m.Directive.Name, LocalObjectUnreadable, err)
		}
		return nil
	}

	for _, p := range pairs {
		if p.Local == "" {
			if err := client.WriteObject(ctx, p.Remote, true, []byte{}); err != nil {
				return newError(m.Directive.Name, LocalObjectUnreadable, err)
			}
			continue
		}
		data, err := fsobj.ReadAll(p.Local)
		if err != nil {
			return wrapFsErr(m.Directive.Name, err)
		}
		if err := client.WriteObject(ctx, p.Remote, false, data); err != nil {
			return newError(m.Directive.Name, LocalObjectUnreadable, err)
		}
	}
	return nil
}

// filterHierarchy applies the hierarchy filter: given a set of
// candidate extra paths, an ancestor suppresses any of its descendants so
// only tree roots remain.
func filterHierarchy(paths []string) []string {
	sort.Strings(paths)
	var roots []string
	for _, p := range paths {
		suppressed := false
		for _, r := range roots {
			if isAncestor(r, p) {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		// p may itself be an ancestor of already-kept roots; drop those.
		kept := roots[:0]
		for _, r := range roots {
			if !isAncestor(p, r) {
				kept = append(kept, r)
			}
		}
		roots = append(kept, p)
	}
	sort.Strings(roots)
	return roots
}

func isAncestor(a, b string) bool {
	if a == b {
		return false
	}
	return strings.HasPrefix(strings.ToLower(b), strings.ToLower(a)+"/")
}

func joinRemote(base, relPath string) string {
	if relPath == "" {
		return base
	}
	return base + "/" + relPath
}
