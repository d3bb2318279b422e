package fsobj

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// crcChunkSize is the streaming chunk size for crc_file.
const crcChunkSize = 128 * 1024

// CrcFile streams path in 128 KiB chunks, accumulating CRC-32 with
// seed 0.
func CrcFile(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, crcChunkSize)
	var acc uint32
	for {
		n, err := f.Read(buf)
		if n > 0 {
			acc = crc32.Update(acc, crc32.IEEETable, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return acc, nil
}

// CrcDirectory computes a directory's hierarchical CRC-32: seeded
// by the directory's own name, then accumulated in case-insensitive
// lexical order over children, where each child contributes
// crc32(child_name, acc) and then recursively the child's own CRC under
// that accumulator. An empty directory hashes to the CRC of its own name
// alone.
func CrcDirectory(t *Tree, e *Entry) (uint32, error) {
	acc := crc32.ChecksumIEEE([]byte(e.Name))

	children := make([]*Entry, len(e.Children))
	for i, cid := range e.Children {
		children[i] = t.Node(cid)
	}
	sort.Slice(children, func(i, j int) bool {
		return strings.ToLower(children[i].Name) < strings.ToLower(children[j].Name)
	})

	for _, child := range children {
		acc = crc32.Update(acc, crc32.IEEETable, []byte(child.Name))
		var childCRC uint32
		var err error
		if child.Kind == KindDir {
			childCRC, err = CrcDirectory(t, child)
		} else {
			childCRC, err = CrcFile(filepath.Join(t.Base, filepath.FromSlash(child.RelPath)))
		}
		if err != nil {
			return 0, err
		}
		acc = crc32.Update(acc, crc32.IEEETable, uint32ToBytes(childCRC))
	}
	return acc, nil
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// GetDirectoryHashes returns a mapping {relative-path: crc} for e itself
// and every descendant.
func GetDirectoryHashes(t *Tree, e *Entry) (map[string]uint32, error) {
	out := make(map[string]uint32)
	if err := collectHashes(t, e, out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectHashes(t *Tree, e *Entry, out map[string]uint32) error {
	switch e.Kind {
	case KindDir:
		crc, err := CrcDirectory(t, e)
		if err != nil {
			return err
		}
		out[e.RelPath] = crc
		for _, cid := range e.Children {
			if err := collectHashes(t, t.Node(cid), out); err != nil {
				return err
			}
		}
	case KindFile:
		crc, err := CrcFile(filepath.Join(t.Base, filepath.FromSlash(e.RelPath)))
		if err != nil {
			return err
		}
		out[e.RelPath] = crc
	}
	return nil
}
