package vcs

import (
	"bytes"
	"errors"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/IceWhaleTech/vfshell"
)

// entry is one node copied between the tree and a billy filesystem.
type entry struct {
	kind   vfshell.NodeKind
	mode   vfshell.Mode
	data   []byte
	target string
}

// staging is an in-memory copy of a subtree. base remembers what was
// loaded so flush only writes back what changed.
type staging struct {
	fs   billy.Filesystem
	root string
	base map[string]entry
	skip []string
}

func newStaging(root string) *staging {
	return &staging{fs: memfs.New(), root: root, base: make(map[string]entry)}
}

// load copies the subtree at root into a fresh memfs. Subdirectories for
// which skip returns true are left out together with everything below
// them.
func load(view vfshell.View, root string, skip func(rel string, fi vfshell.FileInfo) bool) (*staging, error) {
	st := newStaging(root)
	infos, err := view.Walk(root)
	if err != nil {
		if errors.Is(err, vfshell.ErrNotFound) {
			return st, nil
		}
		return nil, err
	}
	for _, fi := range infos[1:] {
		rel := strings.TrimPrefix(fi.Path, strings.TrimSuffix(root, "/")+"/")
		if st.skipped(rel) {
			continue
		}
		if skip != nil && skip(rel, fi) {
			st.skip = append(st.skip, rel)
			continue
		}
		switch fi.Kind {
		case vfshell.KindDir:
			if err := st.fs.MkdirAll(rel, os.FileMode(fi.Mode&vfshell.ModePerm)); err != nil {
				return nil, err
			}
			st.base[rel] = entry{kind: vfshell.KindDir, mode: fi.Mode}
		case vfshell.KindSymlink:
			if err := st.fs.Symlink(fi.Target, rel); err != nil {
				return nil, err
			}
			st.base[rel] = entry{kind: vfshell.KindSymlink, target: fi.Target}
		case vfshell.KindFile:
			data, err := view.ReadFile(fi.Path)
			if err != nil {
				return nil, err
			}
			if err := util.WriteFile(st.fs, rel, data, os.FileMode(fi.Mode&vfshell.ModePerm)); err != nil {
				return nil, err
			}
			st.base[rel] = entry{kind: vfshell.KindFile, mode: fi.Mode, data: data}
		}
	}
	return st, nil
}

func (st *staging) skipped(rel string) bool {
	for _, s := range st.skip {
		if rel == s || strings.HasPrefix(rel, s+"/") {
			return true
		}
	}
	return false
}

// snapshot reads the current content of the memfs.
func (st *staging) snapshot() (map[string]entry, error) {
	out := make(map[string]entry)
	var walk func(dir string) error
	walk = func(dir string) error {
		infos, err := st.fs.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, fi := range infos {
			rel := path.Join(dir, fi.Name())
			if dir == "" || dir == "." {
				rel = fi.Name()
			}
			switch {
			case fi.Mode()&os.ModeSymlink != 0:
				target, err := st.fs.Readlink(rel)
				if err != nil {
					return err
				}
				out[rel] = entry{kind: vfshell.KindSymlink, target: target}
			case fi.IsDir():
				out[rel] = entry{kind: vfshell.KindDir, mode: vfshell.Mode(fi.Mode().Perm())}
				if err := walk(rel); err != nil {
					return err
				}
			default:
				data, err := util.ReadFile(st.fs, rel)
				if err != nil {
					return err
				}
				out[rel] = entry{kind: vfshell.KindFile, mode: vfshell.Mode(fi.Mode().Perm()), data: data}
			}
		}
		return nil
	}
	if err := walk(""); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

// flush writes the changes made to the memfs since load back into the
// tree through view. Skipped subtrees are never touched. fileMode maps
// the memfs permission of a new file to the mode it is created with.
func (st *staging) flush(view vfshell.View, fileMode func(rel string, m vfshell.Mode) vfshell.Mode) (changed int, err error) {
	cur, err := st.snapshot()
	if err != nil {
		return 0, err
	}
	if err := view.MkdirAll(st.root, vfshell.DefaultDirMode); err != nil {
		return 0, err
	}

	added := make([]string, 0, len(cur))
	for rel := range cur {
		added = append(added, rel)
	}
	sort.Strings(added)
	for _, rel := range added {
		e := cur[rel]
		old, existed := st.base[rel]
		if existed && old.kind == e.kind && old.target == e.target && bytes.Equal(old.data, e.data) {
			continue
		}
		p := vfshell.Join(st.root, rel)
		if existed && old.kind != e.kind {
			if err := view.Remove(p, true); err != nil {
				return changed, err
			}
			existed = false
		}
		switch e.kind {
		case vfshell.KindDir:
			if !existed {
				if err := view.Mkdir(p, e.mode); err != nil && !errors.Is(err, vfshell.ErrAlreadyExists) {
					return changed, err
				}
			}
		case vfshell.KindSymlink:
			if existed {
				if err := view.Remove(p, false); err != nil {
					return changed, err
				}
			}
			if err := view.Symlink(e.target, p); err != nil {
				return changed, err
			}
		case vfshell.KindFile:
			if !existed {
				mode := e.mode
				if fileMode != nil {
					mode = fileMode(rel, mode)
				}
				if err := view.CreateFile(p, mode); err != nil && !errors.Is(err, vfshell.ErrAlreadyExists) {
					return changed, err
				}
			}
			if err := view.WriteFile(p, e.data); err != nil {
				return changed, err
			}
		}
		changed++
	}

	removed := make([]string, 0)
	for rel := range st.base {
		if _, ok := cur[rel]; !ok {
			removed = append(removed, rel)
		}
	}
	// Parents sort before children; remove from the bottom up.
	sort.Sort(sort.Reverse(sort.StringSlice(removed)))
	for _, rel := range removed {
		if err := view.Remove(vfshell.Join(st.root, rel), true); err != nil && !errors.Is(err, vfshell.ErrNotFound) {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
