package shell

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/IceWhaleTech/vfshell"
)

func fsBuiltins() []Builtin {
	return []Builtin{
		{Name: "ls", Usage: "ls [-laAdhR1] [FILE]...", Summary: "list directory contents", Run: lsCmd},
		{Name: "cd", Usage: "cd [DIR | -]", Summary: "change the working directory", Run: cdCmd},
		{Name: "pwd", Usage: "pwd", Summary: "print the working directory", Run: pwdCmd},
		{Name: "mkdir", Usage: "mkdir [-p] [-m MODE] DIRECTORY...", Summary: "make directories", Run: mkdirCmd},
		{Name: "rmdir", Usage: "rmdir DIRECTORY...", Summary: "remove empty directories", Run: rmdirCmd},
		{Name: "rm", Usage: "rm [-rfd] FILE...", Summary: "remove files or directories", Run: rmCmd},
		{Name: "cp", Usage: "cp [-r] SOURCE... DEST", Summary: "copy files and directories", Run: cpCmd},
		{Name: "mv", Usage: "mv SOURCE... DEST", Summary: "move or rename files", Run: mvCmd},
		{Name: "cat", Usage: "cat [-n] [FILE]...", Summary: "concatenate files to standard output", Run: catCmd},
		{Name: "touch", Usage: "touch FILE...", Summary: "create files or update their timestamps", Run: touchCmd},
		{Name: "chmod", Usage: "chmod [-R] MODE FILE...", Summary: "change file mode bits", Run: chmodCmd},
		{Name: "chown", Usage: "chown [-R] OWNER[:GROUP] FILE...", Summary: "change file owner and group", Run: chownCmd},
		{Name: "ln", Usage: "ln -s [-f] TARGET [LINK_NAME]", Summary: "make symbolic links", Run: lnCmd},
		{Name: "readlink", Usage: "readlink [-f] FILE...", Summary: "print symbolic link targets", Run: readlinkCmd},
		{Name: "stat", Usage: "stat FILE...", Summary: "display file status", Run: statCmd},
		{Name: "find", Usage: "find [PATH]... [-name PATTERN] [-type f|d|l] [-maxdepth N]", Summary: "search for files", Run: findCmd},
		{Name: "tree", Usage: "tree [-a] [-d] [-L LEVEL] [DIRECTORY]", Summary: "list directories as a tree", Run: treeCmd},
		{Name: "basename", Usage: "basename NAME [SUFFIX]", Summary: "strip directory from a path", Run: basenameCmd},
		{Name: "dirname", Usage: "dirname NAME...", Summary: "strip the last component from a path", Run: dirnameCmd},
	}
}

// failAction reports "cmd: action 'path': reason".
func (c *Call) failAction(action, operand string, err error) int {
	return c.Errorf("%s '%s': %s", action, failedPath(operand, err), vfshell.Describe(err))
}

// humanSize renders n the way ls -h and df -h do: "512", "1.5K", "20M".
func humanSize(n int64) string {
	s := humanize.IBytes(uint64(max(n, 0)))
	s = strings.TrimSuffix(s, "iB")
	s = strings.TrimSuffix(s, " B")
	return strings.Replace(s, " ", "", 1)
}

func (c *Call) userName(uid uint32) string {
	return c.Session.interp.opts.Users.UserName(uid)
}

func (c *Call) groupName(gid uint32) string {
	return c.Session.interp.opts.Users.GroupName(gid)
}

func lsTime(t, now time.Time) string {
	if t.After(now.AddDate(0, -6, 0)) && !t.After(now.Add(time.Hour)) {
		return t.Format("Jan _2 15:04")
	}
	return t.Format("Jan _2  2006")
}

type lsOptions struct {
	long, all, almostAll, human bool
}

func (c *Call) printEntries(entries []vfshell.FileInfo, opts lsOptions) {
	if !opts.long {
		for _, e := range entries {
			c.Println(e.Name)
		}
		return
	}
	now := c.Session.interp.now()
	var linkW, userW, groupW, sizeW int
	rows := make([][4]string, len(entries))
	for i, e := range entries {
		size := strconv.FormatInt(e.Size, 10)
		if opts.human {
			size = humanSize(e.Size)
		}
		rows[i] = [4]string{strconv.Itoa(e.NLink), c.userName(e.UID), c.groupName(e.GID), size}
		linkW = max(linkW, len(rows[i][0]))
		userW = max(userW, len(rows[i][1]))
		groupW = max(groupW, len(rows[i][2]))
		sizeW = max(sizeW, len(rows[i][3]))
	}
	for i, e := range entries {
		name := e.Name
		if e.IsSymlink() {
			name += " -> " + e.Target
		}
		c.Printf("%s %*s %-*s %-*s %*s %s %s\n",
			vfshell.TypeString(e.Kind, e.Mode),
			linkW, rows[i][0], userW, rows[i][1], groupW, rows[i][2], sizeW, rows[i][3],
			lsTime(e.ModTime, now), name)
	}
}

func (c *Call) listDir(ctx context.Context, dir string, opts lsOptions, recursive, header bool) int {
	view := c.View()
	entries, err := view.ListDir(dir)
	if err != nil {
		c.failAction("cannot open directory", dir, err)
		return StatusUsage
	}
	var shown []vfshell.FileInfo
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ".") && !opts.all && !opts.almostAll {
			continue
		}
		shown = append(shown, e)
	}
	vfshell.SortByName(shown)
	if opts.all {
		self, _ := view.Stat(dir)
		parent, _ := view.Stat(vfshell.Join(dir, ".."))
		self.Name, parent.Name = ".", ".."
		shown = append([]vfshell.FileInfo{self, parent}, shown...)
	}
	if header {
		c.Printf("%s:\n", dir)
	}
	if opts.long {
		var blocks int64
		for _, e := range shown {
			blocks += (e.Size + 4095) / 4096 * 4
		}
		c.Printf("total %d\n", blocks)
	}
	c.printEntries(shown, opts)

	status := StatusOK
	if recursive {
		for _, e := range shown {
			if ctx.Err() != nil {
				return StatusInterrupted
			}
			if !e.IsDir() || e.Name == "." || e.Name == ".." {
				continue
			}
			c.Println()
			if st := c.listDir(ctx, vfshell.Join(dir, e.Name), opts, true, true); st != StatusOK {
				status = st
			}
		}
	}
	return status
}

func lsCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	var opts lsOptions
	flagSet.BoolVarP(&opts.long, "long", "l", false, "use a long listing format")
	flagSet.BoolVarP(&opts.all, "all", "a", false, "do not ignore entries starting with .")
	flagSet.BoolVarP(&opts.almostAll, "almost-all", "A", false, "do not list implied . and ..")
	flagSet.BoolVarP(&opts.human, "human-readable", "h", false, "print sizes like 1K 234M")
	directory := flagSet.BoolP("directory", "d", false, "list directories themselves")
	recursive := flagSet.BoolP("recursive", "R", false, "list subdirectories recursively")
	flagSet.BoolP("one", "1", false, "list one file per line")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		operands = []string{"."}
	}

	view := c.View()
	var files []vfshell.FileInfo
	var dirs []string
	for _, op := range operands {
		fi, err := view.Lstat(op)
		if err == nil && fi.IsSymlink() && !opts.long && !*directory {
			if target, terr := view.Stat(op); terr == nil {
				fi = target
			}
		}
		if err != nil {
			c.failAction("cannot access", op, err)
			status = StatusUsage
			continue
		}
		if fi.IsDir() && !*directory {
			dirs = append(dirs, op)
			continue
		}
		fi.Name = op
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	sort.Strings(dirs)

	c.printEntries(files, opts)
	header := len(operands) > 1 || *recursive
	for i, d := range dirs {
		if i > 0 || len(files) > 0 {
			c.Println()
		}
		if st := c.listDir(ctx, d, opts, *recursive, header); st != StatusOK {
			status = st
		}
	}
	return status
}

func cdCmd(ctx context.Context, c *Call) int {
	s := c.Session
	if len(c.Args) > 1 {
		return c.Errorf("too many arguments")
	}
	target := ""
	if len(c.Args) == 1 {
		target = c.Args[0]
	}
	printDir := false
	switch target {
	case "":
		home, ok := s.Getenv("HOME")
		if !ok || home == "" {
			return c.Errorf("HOME not set")
		}
		target = home
	case "-":
		old, ok := s.Getenv("OLDPWD")
		if !ok {
			return c.Errorf("OLDPWD not set")
		}
		target = old
		printDir = true
	}
	dir, err := c.View().Chdir(target)
	if err != nil {
		return c.Fail(target, err)
	}
	s.setCwd(dir)
	if printDir {
		c.Println(dir)
	}
	return StatusOK
}

func pwdCmd(ctx context.Context, c *Call) int {
	c.Println(c.Session.Cwd())
	return StatusOK
}

func mkdirCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	parents := flagSet.BoolP("parents", "p", false, "make parent directories as needed")
	modeExpr := flagSet.StringP("mode", "m", "", "set file mode")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		return c.Usagef("missing operand")
	}
	mode := vfshell.DefaultDirMode
	if *modeExpr != "" {
		m, err := vfshell.ParseMode(*modeExpr, 0o777)
		if err != nil {
			return c.Errorf("invalid mode '%s'", *modeExpr)
		}
		mode = m
	}

	view := c.View()
	for _, dir := range operands {
		var err error
		if *parents {
			err = view.MkdirAll(dir, mode)
		} else {
			err = view.Mkdir(dir, mode)
		}
		if err != nil {
			status = c.failAction("cannot create directory", dir, err)
		}
	}
	return status
}

func rmdirCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		return c.Usagef("missing operand")
	}
	view := c.View()
	status := StatusOK
	for _, dir := range c.Args {
		fi, err := view.Lstat(dir)
		if err == nil && !fi.IsDir() {
			err = &vfshell.PathError{Op: "rmdir", Path: dir, Err: vfshell.ErrNotADirectory}
		}
		if err == nil {
			err = view.Remove(dir, false)
		}
		if err != nil {
			status = c.failAction("failed to remove", dir, err)
		}
	}
	return status
}

func rmCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	recursive := flagSet.BoolP("recursive", "r", false, "remove directories and their contents recursively")
	flagSet.BoolVarP(recursive, "Recursive", "R", false, "same as -r")
	force := flagSet.BoolP("force", "f", false, "ignore nonexistent files, never prompt")
	emptyDirs := flagSet.BoolP("dir", "d", false, "remove empty directories")
	verbose := flagSet.BoolP("verbose", "v", false, "explain what is being done")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		if *force {
			return StatusOK
		}
		return c.Usagef("missing operand")
	}

	view := c.View()
	for _, op := range operands {
		if base := vfshell.Base(op); base == "." || base == ".." {
			status = c.Errorf("refusing to remove '.' or '..' directory: skipping '%s'", op)
			continue
		}
		fi, err := view.Lstat(op)
		if err != nil {
			if *force && errors.Is(err, vfshell.ErrNotFound) {
				continue
			}
			status = c.failAction("cannot remove", op, err)
			continue
		}
		if fi.IsDir() && !*recursive && !*emptyDirs {
			entries, lerr := view.ListDir(op)
			if lerr == nil && len(entries) > 0 {
				// Leaves the directory untouched and reports it as non-empty.
				err = view.Remove(op, false)
			} else {
				err = &vfshell.PathError{Op: "remove", Path: op, Err: vfshell.ErrIsADirectory}
			}
			status = c.failAction("cannot remove", op, err)
			continue
		}
		if err := view.Remove(op, *recursive); err != nil {
			status = c.failAction("cannot remove", op, err)
			continue
		}
		if *verbose {
			c.Printf("removed '%s'\n", op)
		}
	}
	return status
}

// destinationOperands splits operands into sources and a destination,
// checking that several sources go into a directory.
func (c *Call) destinationOperands(operands []string) ([]string, string, int, bool) {
	switch len(operands) {
	case 0:
		return nil, "", c.Usagef("missing file operand"), false
	case 1:
		return nil, "", c.Usagef("missing destination file operand after '%s'", operands[0]), false
	}
	srcs, dst := operands[:len(operands)-1], operands[len(operands)-1]
	if len(srcs) > 1 {
		fi, err := c.View().Stat(dst)
		if err != nil || !fi.IsDir() {
			return nil, "", c.Errorf("target '%s' is not a directory", dst), false
		}
	}
	return srcs, dst, StatusOK, true
}

func cpCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	recursive := flagSet.BoolP("recursive", "r", false, "copy directories recursively")
	flagSet.BoolVarP(recursive, "Recursive", "R", false, "same as -r")
	flagSet.BoolVarP(recursive, "archive", "a", false, "same as -r")
	flagSet.BoolP("force", "f", false, "overwrite existing files")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	srcs, dst, status, ok := c.destinationOperands(operands)
	if !ok {
		return status
	}
	view := c.View()
	for _, src := range srcs {
		fi, err := view.Stat(src)
		if err != nil {
			status = c.failAction("cannot stat", src, err)
			continue
		}
		if fi.IsDir() && !*recursive {
			status = c.Errorf("-r not specified; omitting directory '%s'", src)
			continue
		}
		if err := view.Copy(src, dst, *recursive); err != nil {
			if errors.Is(err, vfshell.ErrInvalidPath) && fi.IsDir() {
				status = c.Errorf("cannot copy a directory, '%s', into itself, '%s'", src, dst)
				continue
			}
			status = c.Fail(dst, err)
		}
	}
	return status
}

func mvCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	flagSet.BoolP("force", "f", false, "do not prompt before overwriting")
	verbose := flagSet.BoolP("verbose", "v", false, "explain what is being done")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	srcs, dst, status, ok := c.destinationOperands(operands)
	if !ok {
		return status
	}
	view := c.View()
	for _, src := range srcs {
		if _, err := view.Lstat(src); err != nil {
			status = c.failAction("cannot stat", src, err)
			continue
		}
		if err := view.Move(src, dst); err != nil {
			if errors.Is(err, vfshell.ErrInvalidPath) {
				status = c.Errorf("cannot move '%s' to a subdirectory of itself, '%s'", src, dst)
				continue
			}
			status = c.Errorf("cannot move '%s' to '%s': %s", src, dst, vfshell.Describe(err))
			continue
		}
		if *verbose {
			c.Printf("renamed '%s' -> '%s'\n", src, dst)
		}
	}
	return status
}

func catCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	number := flagSet.BoolP("number", "n", false, "number all output lines")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	view := c.View()
	if len(operands) == 0 {
		operands = []string{"-"}
	}
	line := 1
	for _, name := range operands {
		var data []byte
		if name == "-" {
			data = c.Stdin
		} else {
			var err error
			if data, err = view.ReadFile(name); err != nil {
				status = c.Fail(name, err)
				continue
			}
		}
		if !*number {
			c.Stdout.Write(data)
			continue
		}
		for _, l := range splitLines(data) {
			c.Printf("%6d\t%s\n", line, l)
			line++
		}
	}
	return status
}

func touchCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		return c.Usagef("missing file operand")
	}
	view := c.View()
	status := StatusOK
	for _, name := range c.Args {
		if err := view.Touch(name); err != nil {
			status = c.failAction("cannot touch", name, err)
		}
	}
	return status
}

// splitRecursive pulls -R style options off the front of args for
// commands whose first operand may itself start with a dash.
func splitRecursive(args []string) (recursive bool, rest []string) {
	for len(args) > 0 {
		switch args[0] {
		case "-R", "-r", "--recursive":
			recursive = true
		case "-v", "-f", "-c", "--verbose", "--silent", "--quiet":
		case "--":
			return recursive, args[1:]
		default:
			return recursive, args
		}
		args = args[1:]
	}
	return recursive, args
}

func permissionMessage(err error) string {
	if errors.Is(err, vfshell.ErrPermissionDenied) {
		return "Operation not permitted"
	}
	return vfshell.Describe(err)
}

// failOwnership reports a chmod or chown failure on op and folds it into
// status. A denial names the node that refused the change.
func (c *Call) failOwnership(action, op string, err error, status int) int {
	switch {
	case err == nil:
		return status
	case errors.Is(err, vfshell.ErrPermissionDenied):
		return c.Errorf("%s '%s': %s", action, failedPath(op, err), permissionMessage(err))
	default:
		return c.failAction("cannot access", op, err)
	}
}

func chmodCmd(ctx context.Context, c *Call) int {
	recursive, args := splitRecursive(c.Args)
	if len(args) == 0 {
		return c.Usagef("missing operand")
	}
	if len(args) == 1 {
		return c.Usagef("missing operand after '%s'", args[0])
	}
	expr := args[0]
	if _, err := vfshell.ParseMode(expr, 0); err != nil {
		return c.Errorf("invalid mode: '%s'", expr)
	}
	view := c.View()
	status := StatusOK
	for _, op := range args[1:] {
		err := view.ChmodAll(op, recursive, func(cur vfshell.Mode) vfshell.Mode {
			mode, _ := vfshell.ParseMode(expr, cur)
			return mode
		})
		status = c.failOwnership("changing permissions of", op, err, status)
	}
	return status
}

// parseOwner parses OWNER[:GROUP]. A missing part keeps the current
// value, signalled by ok flags.
func (c *Call) parseOwner(spec string) (uid, gid uint32, setUID, setGID bool, err error) {
	users := c.Session.interp.opts.Users
	owner, group, hasColon := strings.Cut(spec, ":")
	if owner != "" {
		if n, perr := strconv.ParseUint(owner, 10, 32); perr == nil {
			uid = uint32(n)
		} else if u, ok := users.Lookup(owner); ok {
			uid = u.UID
			if hasColon && group == "" {
				gid, setGID = u.GID, true
			}
		} else {
			return 0, 0, false, false, fmt.Errorf("invalid user: '%s'", spec)
		}
		setUID = true
	}
	if group != "" {
		g, ok := users.LookupGroup(group)
		if !ok {
			return 0, 0, false, false, fmt.Errorf("invalid group: '%s'", spec)
		}
		gid, setGID = g, true
	}
	if !setUID && !setGID {
		return 0, 0, false, false, fmt.Errorf("invalid spec: '%s'", spec)
	}
	return uid, gid, setUID, setGID, nil
}

func chownCmd(ctx context.Context, c *Call) int {
	recursive, args := splitRecursive(c.Args)
	if len(args) == 0 {
		return c.Usagef("missing operand")
	}
	if len(args) == 1 {
		return c.Usagef("missing operand after '%s'", args[0])
	}
	uid, gid, setUID, setGID, err := c.parseOwner(args[0])
	if err != nil {
		return c.Errorf("%v", err)
	}
	view := c.View()
	status := StatusOK
	for _, op := range args[1:] {
		err := view.ChownAll(op, recursive, func(u, g uint32) (uint32, uint32) {
			if setUID {
				u = uid
			}
			if setGID {
				g = gid
			}
			return u, g
		})
		status = c.failOwnership("changing ownership of", op, err, status)
	}
	return status
}

func lnCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	symbolic := flagSet.BoolP("symbolic", "s", false, "make symbolic links instead of hard links")
	force := flagSet.BoolP("force", "f", false, "remove existing destination files")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if !*symbolic {
		return c.Errorf("hard links are not supported; use ln -s")
	}
	if len(operands) == 0 || len(operands) > 2 {
		return c.Usagef("expected TARGET [LINK_NAME]")
	}
	target := operands[0]
	link := vfshell.Base(target)
	if len(operands) == 2 {
		link = operands[1]
	}
	view := c.View()
	if fi, err := view.Stat(link); err == nil && fi.IsDir() {
		link = vfshell.Join(link, vfshell.Base(target))
	}
	if *force {
		if fi, err := view.Lstat(link); err == nil && !fi.IsDir() {
			if err := view.Remove(link, false); err != nil {
				return c.failAction("cannot remove", link, err)
			}
		}
	}
	if err := view.Symlink(target, link); err != nil {
		return c.failAction("failed to create symbolic link", link, err)
	}
	return StatusOK
}

func readlinkCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	canonical := flagSet.BoolP("canonicalize", "f", false, "follow every symlink")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		return c.Usagef("missing operand")
	}
	view := c.View()
	for _, op := range operands {
		var out string
		var err error
		if *canonical {
			out, err = view.Resolve(op)
		} else {
			out, err = view.Readlink(op)
		}
		if err != nil {
			status = StatusFailure
			continue
		}
		c.Println(out)
	}
	return status
}

func fileTypeWord(fi vfshell.FileInfo) string {
	switch {
	case fi.IsDir():
		return "directory"
	case fi.IsSymlink():
		return "symbolic link"
	case fi.Size == 0:
		return "regular empty file"
	}
	return "regular file"
}

func statCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		return c.Usagef("missing operand")
	}
	view := c.View()
	status := StatusOK
	const layout = "2006-01-02 15:04:05.000000000 -0700"
	for _, op := range c.Args {
		fi, err := view.Lstat(op)
		if err != nil {
			status = c.failAction("cannot statx", op, err)
			continue
		}
		name := op
		if fi.IsSymlink() {
			name = fmt.Sprintf("%s -> %s", op, fi.Target)
		}
		c.Printf("  File: %s\n", name)
		c.Printf("  Size: %-15d Blocks: %-10d IO Block: 4096   %s\n", fi.Size, (fi.Size+511)/512, fileTypeWord(fi))
		c.Printf("Device: 0h/0d\tInode: %-11d Links: %d\n", fi.ID+1, fi.NLink)
		c.Printf("Access: (%04o/%s)  Uid: (%5d/%8s)   Gid: (%5d/%8s)\n",
			uint16(fi.Mode), vfshell.TypeString(fi.Kind, fi.Mode),
			fi.UID, c.userName(fi.UID), fi.GID, c.groupName(fi.GID))
		c.Printf("Modify: %s\n", fi.ModTime.Format(layout))
		c.Printf("Change: %s\n", fi.ModTime.Format(layout))
		c.Printf(" Birth: %s\n", fi.Created.Format(layout))
	}
	return status
}

type findExpr struct {
	name, iname string
	kind        string
	maxDepth    int
	minDepth    int
}

func (e findExpr) match(fi vfshell.FileInfo, name string, depth int) bool {
	if depth < e.minDepth {
		return false
	}
	if e.name != "" {
		if ok, _ := path.Match(e.name, name); !ok {
			return false
		}
	}
	if e.iname != "" {
		if ok, _ := path.Match(strings.ToLower(e.iname), strings.ToLower(name)); !ok {
			return false
		}
	}
	switch e.kind {
	case "f":
		return fi.Kind == vfshell.KindFile
	case "d":
		return fi.Kind == vfshell.KindDir
	case "l":
		return fi.Kind == vfshell.KindSymlink
	}
	return true
}

func findCmd(ctx context.Context, c *Call) int {
	args := c.Args
	var roots []string
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		roots = append(roots, args[0])
		args = args[1:]
	}
	if len(roots) == 0 {
		roots = []string{"."}
	}
	expr := findExpr{maxDepth: -1}
	for len(args) > 0 {
		opt := args[0]
		if opt == "-print" {
			args = args[1:]
			continue
		}
		if len(args) < 2 {
			return c.Errorf("missing argument to '%s'", opt)
		}
		val := args[1]
		args = args[2:]
		switch opt {
		case "-name":
			expr.name = val
		case "-iname":
			expr.iname = val
		case "-type":
			if val != "f" && val != "d" && val != "l" {
				return c.Errorf("Unknown argument to -type: %s", val)
			}
			expr.kind = val
		case "-maxdepth", "-mindepth":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return c.Errorf("Expected a positive decimal integer argument to %s, but got '%s'", opt, val)
			}
			if opt == "-maxdepth" {
				expr.maxDepth = n
			} else {
				expr.minDepth = n
			}
		default:
			return c.Errorf("unknown predicate '%s'", opt)
		}
	}

	view := c.View()
	status := StatusOK
	for _, root := range roots {
		infos, err := view.Walk(root)
		if err != nil {
			status = c.Fail(root, err)
			continue
		}
		rootPath := infos[0].Path
		for i, fi := range infos {
			if i%256 == 0 && ctx.Err() != nil {
				return StatusInterrupted
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(fi.Path, rootPath), "/")
			display, depth := root, 0
			if rel != "" {
				display = strings.TrimSuffix(root, "/") + "/" + rel
				depth = strings.Count(rel, "/") + 1
			}
			if expr.maxDepth >= 0 && depth > expr.maxDepth {
				continue
			}
			if expr.match(fi, vfshell.Base(display), depth) {
				c.Println(display)
			}
		}
	}
	return status
}

func treeCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	all := flagSet.BoolP("all", "a", false, "list hidden files")
	dirsOnly := flagSet.BoolP("dirs", "d", false, "list directories only")
	level := flagSet.IntP("level", "L", 0, "descend only LEVEL directories deep")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		operands = []string{"."}
	}
	view := c.View()
	var dirs, files int
	var walk func(dir, prefix string, depth int)
	walk = func(dir, prefix string, depth int) {
		if *level > 0 && depth > *level {
			return
		}
		entries, err := view.ListDir(dir)
		if err != nil {
			return
		}
		var shown []vfshell.FileInfo
		for _, e := range entries {
			if strings.HasPrefix(e.Name, ".") && !*all {
				continue
			}
			if *dirsOnly && !e.IsDir() {
				continue
			}
			shown = append(shown, e)
		}
		vfshell.SortByName(shown)
		for i, e := range shown {
			branch, indent := "├── ", "│   "
			if i == len(shown)-1 {
				branch, indent = "└── ", "    "
			}
			name := e.Name
			if e.IsSymlink() {
				name += " -> " + e.Target
			}
			c.Printf("%s%s%s\n", prefix, branch, name)
			if e.IsDir() {
				dirs++
				walk(vfshell.Join(dir, e.Name), prefix+indent, depth+1)
			} else {
				files++
			}
		}
	}
	for _, root := range operands {
		fi, err := view.Stat(root)
		if err != nil || !fi.IsDir() {
			c.Printf("%s [error opening dir]\n", root)
			status = StatusFailure
			continue
		}
		c.Println(root)
		walk(root, "", 1)
	}
	dirWord, fileWord := "directories", "files"
	if dirs == 1 {
		dirWord = "directory"
	}
	if files == 1 {
		fileWord = "file"
	}
	if *dirsOnly {
		c.Printf("\n%d %s\n", dirs, dirWord)
	} else {
		c.Printf("\n%d %s, %d %s\n", dirs, dirWord, files, fileWord)
	}
	return status
}

func basenameCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 || len(c.Args) > 2 {
		return c.Usagef("missing operand")
	}
	name := vfshell.Base(c.Args[0])
	if len(c.Args) == 2 && name != c.Args[1] {
		name = strings.TrimSuffix(name, c.Args[1])
	}
	c.Println(name)
	return StatusOK
}

func dirnameCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		return c.Usagef("missing operand")
	}
	for _, name := range c.Args {
		c.Println(vfshell.Dir(name))
	}
	return StatusOK
}
