package shell

import (
	"path"
	"sort"
	"strings"

	"github.com/IceWhaleTech/vfshell"
)

// hasUnescapedMeta reports whether seg contains a glob metacharacter that
// is not escaped with a backslash.
func hasUnescapedMeta(seg string) bool {
	for i := 0; i < len(seg); i++ {
		switch seg[i] {
		case '\\':
			i++
		case '*', '?', '[':
			return true
		}
	}
	return false
}

func unescapeGlob(seg string) string {
	if strings.IndexByte(seg, '\\') < 0 {
		return seg
	}
	var sb strings.Builder
	for i := 0; i < len(seg); i++ {
		if seg[i] == '\\' && i+1 < len(seg) {
			i++
		}
		sb.WriteByte(seg[i])
	}
	return sb.String()
}

// globTree expands pattern against the tree as seen by view. Matches keep
// the pattern's form: relative patterns yield relative paths. Names
// starting with a dot only match a pattern segment that starts with one.
func globTree(view vfshell.View, pattern string) []string {
	abs := strings.HasPrefix(pattern, "/")
	var segs []string
	for _, s := range strings.Split(pattern, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return nil
	}

	join := func(prefix, name string) string {
		switch {
		case prefix != "":
			return strings.TrimSuffix(prefix, "/") + "/" + name
		case abs:
			return "/" + name
		}
		return name
	}

	cands := []string{""}
	for i, seg := range segs {
		last := i == len(segs)-1
		var next []string
		if !hasUnescapedMeta(seg) {
			lit := unescapeGlob(seg)
			for _, c := range cands {
				p := join(c, lit)
				if last {
					if _, err := view.Lstat(p); err != nil {
						continue
					}
				}
				next = append(next, p)
			}
		} else {
			for _, c := range cands {
				dir := c
				if dir == "" {
					dir = "."
					if abs {
						dir = "/"
					}
				}
				entries, err := view.ListDir(dir)
				if err != nil {
					continue
				}
				for _, e := range entries {
					if strings.HasPrefix(e.Name, ".") && !strings.HasPrefix(seg, ".") {
						continue
					}
					if ok, _ := path.Match(seg, e.Name); !ok {
						continue
					}
					p := join(c, e.Name)
					if !last {
						fi, err := view.Stat(p)
						if err != nil || !fi.IsDir() {
							continue
						}
					}
					next = append(next, p)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cands = next
	}
	sort.Strings(cands)
	return cands
}
