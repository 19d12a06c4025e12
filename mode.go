package vfshell

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode holds the 9 permission bits of a node (owner, group, other).
type Mode uint16

const (
	ModePerm Mode = 0o777

	permRead  = 4
	permWrite = 2
	permExec  = 1
)

// Default modes applied to newly created nodes.
const (
	DefaultFileMode    Mode = 0o644
	DefaultDirMode     Mode = 0o755
	DefaultSymlinkMode Mode = 0o777
)

// String renders the mode the way ls -l does, without the type letter.
func (m Mode) String() string {
	const rwx = "rwxrwxrwx"
	buf := []byte("---------")
	for i := 0; i < 9; i++ {
		if m&(1<<uint(8-i)) != 0 {
			buf[i] = rwx[i]
		}
	}
	return string(buf)
}

// TypeString renders kind and mode like the first column of ls -l.
func TypeString(kind NodeKind, m Mode) string {
	c := "-"
	switch kind {
	case KindDir:
		c = "d"
	case KindSymlink:
		c = "l"
	}
	return c + m.String()
}

// Cred is the identity a tree operation is performed as. UID 0 bypasses
// permission checks.
type Cred struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// Root is the superuser identity.
var Root = Cred{}

// IsRoot reports whether c is the superuser.
func (c Cred) IsRoot() bool { return c.UID == 0 }

func (c Cred) inGroup(gid uint32) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// may reports whether c holds every bit in want (a combination of
// permRead, permWrite and permExec) on n.
func (c Cred) may(n *node, want Mode) bool {
	if c.IsRoot() {
		return true
	}
	var bits Mode
	switch {
	case c.UID == n.uid:
		bits = (n.mode >> 6) & 7
	case c.inGroup(n.gid):
		bits = (n.mode >> 3) & 7
	default:
		bits = n.mode & 7
	}
	return bits&want == want
}

// ParseMode applies a chmod mode expression to cur. It accepts octal
// ("755") and symbolic clauses ("u+x,go-w", "a=r", "+x").
func ParseMode(expr string, cur Mode) (Mode, error) {
	if expr == "" {
		return cur, fmt.Errorf("invalid mode: %q", expr)
	}
	if expr[0] >= '0' && expr[0] <= '7' {
		v, err := strconv.ParseUint(expr, 8, 32)
		if err != nil || v > 0o7777 {
			return cur, fmt.Errorf("invalid mode: %q", expr)
		}
		return Mode(v) & ModePerm, nil
	}

	m := cur
	for _, clause := range strings.Split(expr, ",") {
		var who Mode
		i := 0
	whoLoop:
		for ; i < len(clause); i++ {
			switch clause[i] {
			case 'u':
				who |= 0o700
			case 'g':
				who |= 0o070
			case 'o':
				who |= 0o007
			case 'a':
				who |= 0o777
			default:
				break whoLoop
			}
		}
		if who == 0 {
			who = 0o777
		}
		if i >= len(clause) {
			return cur, fmt.Errorf("invalid mode: %q", expr)
		}
		for i < len(clause) {
			op := clause[i]
			if op != '+' && op != '-' && op != '=' {
				return cur, fmt.Errorf("invalid mode: %q", expr)
			}
			i++
			var perm Mode
		permLoop:
			for ; i < len(clause); i++ {
				switch clause[i] {
				case 'r':
					perm |= 0o444
				case 'w':
					perm |= 0o222
				case 'x':
					perm |= 0o111
				default:
					break permLoop
				}
			}
			perm &= who
			switch op {
			case '+':
				m |= perm
			case '-':
				m &^= perm
			case '=':
				m = (m &^ who) | perm
			}
		}
	}
	return m & ModePerm, nil
}
