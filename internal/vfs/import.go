package vfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ImportDir copies the tree under hostPath into the filesystem root.
// Regular files, directories and symlinks are copied; other file types are
// skipped.
func (v *MemFS) ImportDir(hostPath string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("stat host path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("host path is not a directory: %s", hostPath)
	}
	absPath, err := filepath.Abs(hostPath)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}

	return filepath.WalkDir(absPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absPath, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}

		switch {
		case d.IsDir():
			err = v.MkdirAll(rel, info.Mode().Perm())
		case info.Mode().IsRegular():
			var data []byte
			if data, err = os.ReadFile(p); err != nil {
				return fmt.Errorf("read %s: %w", rel, err)
			}
			err = v.WriteFile(rel, data, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			var target string
			if target, err = os.Readlink(p); err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
			err = v.addSymlink(rel, target)
		default:
			v.log.Debug("vfs: skipping special file", "path", rel, "mode", info.Mode().String())
			return nil
		}
		if err != nil {
			return err
		}
		return v.setModTime(rel, info.ModTime())
	})
}

func (v *MemFS) addSymlink(p, target string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if _, ok := parent.entries[name]; ok {
		return fmt.Errorf("vfs: %s exists", p)
	}
	n := newFileNode(v.allocID(), name, parent.id, fs.ModeSymlink|0o777)
	n.symlinkTarget = target
	parent.entries[name] = n.id
	v.nodes[n.id] = n
	return nil
}

func (v *MemFS) setModTime(p string, t time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	id, ok := parent.entries[name]
	if !ok {
		return fmt.Errorf("vfs: %s vanished during import", p)
	}
	n := v.nodes[id]
	n.modTime, n.aTime = t, t
	return nil
}
