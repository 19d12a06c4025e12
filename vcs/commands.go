package vcs

import (
	"errors"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/spf13/pflag"
)

const statusUsage = 129

func (c *call) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("git "+name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (c *call) parse(fs *pflag.FlagSet) ([]string, bool) {
	if err := fs.Parse(c.args); err != nil {
		c.errorf("error: %v\n", err)
		return nil, false
	}
	return fs.Args(), true
}

// head describes HEAD. unborn is true before the first commit on the
// current branch; branch is empty when HEAD is detached.
func (r *repo) head() (branch string, hash plumbing.Hash, unborn bool, err error) {
	ref, err := r.git.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", plumbing.ZeroHash, false, err
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", ref.Hash(), false, nil
	}
	branch = ref.Target().Short()
	resolved, err := r.git.Reference(ref.Target(), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return branch, plumbing.ZeroHash, true, nil
	}
	if err != nil {
		return branch, plumbing.ZeroHash, false, err
	}
	return branch, resolved.Hash(), false, nil
}

func shortHash(h plumbing.Hash) string { return h.String()[:7] }

func firstLine(msg string) string {
	line, _, _ := strings.Cut(strings.TrimLeft(msg, "\n"), "\n")
	return line
}

func cmdAdd(c *call, r *repo) int {
	fs := c.flags("add")
	all := fs.BoolP("all", "A", false, "add changes from all tracked and untracked files")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	if !*all && len(operands) == 0 {
		c.errorf("Nothing specified, nothing added.\n")
		return 0
	}
	wt, err := r.git.Worktree()
	if err != nil {
		return c.fail(err)
	}
	if *all {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return c.fail(err)
		}
	}
	for _, op := range operands {
		rel, ok := c.rel(r, op)
		if !ok {
			return c.fatal("%s: '%s' is outside repository at '%s'", op, op, r.root)
		}
		if rel == "." {
			err = wt.AddWithOptions(&git.AddOptions{All: true})
		} else {
			_, err = wt.Add(rel)
		}
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return c.fatal("pathspec '%s' did not match any files", op)
			}
			return c.fail(err)
		}
	}
	return 0
}

func cmdRm(c *call, r *repo) int {
	fs := c.flags("rm")
	cached := fs.Bool("cached", false, "only remove from the index")
	recursive := fs.BoolP("recursive", "r", false, "allow recursive removal")
	quiet := fs.BoolP("quiet", "q", false, "do not list removed files")
	fs.BoolP("force", "f", false, "override the up-to-date check")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	if len(operands) == 0 {
		c.errorf("usage: git rm [--cached] [-r] [-q] <file>...\n")
		return statusUsage
	}
	idx, err := r.git.Storer.Index()
	if err != nil {
		return c.fail(err)
	}

	var targets []string
	for _, op := range operands {
		rel, ok := c.rel(r, op)
		if !ok {
			return c.fatal("%s: '%s' is outside repository at '%s'", op, op, r.root)
		}
		var matched []string
		for _, e := range idx.Entries {
			if rel == "." || e.Name == rel || strings.HasPrefix(e.Name, rel+"/") {
				matched = append(matched, e.Name)
			}
		}
		if len(matched) == 0 {
			return c.fatal("pathspec '%s' did not match any files", op)
		}
		if (len(matched) > 1 || matched[0] != rel) && !*recursive {
			return c.fatal("not removing '%s' recursively without -r", op)
		}
		targets = append(targets, matched...)
	}

	if *cached {
		for _, name := range targets {
			if _, err := idx.Remove(name); err != nil {
				return c.fail(err)
			}
		}
		if err := r.git.Storer.SetIndex(idx); err != nil {
			return c.fail(err)
		}
	} else {
		wt, err := r.git.Worktree()
		if err != nil {
			return c.fail(err)
		}
		for _, name := range targets {
			if _, err := wt.Remove(name); err != nil {
				return c.fail(err)
			}
		}
	}
	if !*quiet {
		for _, name := range targets {
			c.printf("rm '%s'\n", name)
		}
	}
	return 0
}

// signature picks the commit identity: the environment first, then git
// config, then the adapter default, then the login name.
func (c *call) signature(r *repo) *object.Signature {
	name := firstNonEmpty(c.env["GIT_AUTHOR_NAME"], c.configGet(r, "user.name"), c.a.Author.Name, c.env["USER"])
	email := firstNonEmpty(c.env["GIT_AUTHOR_EMAIL"], c.configGet(r, "user.email"), c.a.Author.Email)
	if email == "" {
		host := firstNonEmpty(c.env["HOSTNAME"], "localhost")
		email = firstNonEmpty(c.env["USER"], "user") + "@" + host
	}
	return &object.Signature{Name: name, Email: email, When: c.a.now()}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseAuthor splits "Name <email>".
func parseAuthor(s string) (name, email string, ok bool) {
	i := strings.IndexByte(s, '<')
	j := strings.LastIndexByte(s, '>')
	if i < 0 || j < i {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1 : j]), true
}

func cmdCommit(c *call, r *repo) int {
	fs := c.flags("commit")
	messages := fs.StringArrayP("message", "m", nil, "commit message")
	all := fs.BoolP("all", "a", false, "commit all changed tracked files")
	allowEmpty := fs.Bool("allow-empty", false, "allow a commit with no changes")
	author := fs.String("author", "", "override the author")
	quiet := fs.BoolP("quiet", "q", false, "suppress the summary")
	if _, ok := c.parse(fs); !ok {
		return statusUsage
	}
	msg := strings.TrimSpace(strings.Join(*messages, "\n\n"))
	if msg == "" {
		c.errorf("Aborting commit due to empty commit message.\n")
		return 1
	}

	wt, err := r.git.Worktree()
	if err != nil {
		return c.fail(err)
	}
	st, err := wt.Status()
	if err != nil {
		return c.fail(err)
	}
	changed := 0
	for _, f := range st {
		switch {
		case isStaged(f):
			changed++
		case *all && f.Worktree != git.Unmodified && f.Worktree != git.Untracked:
			changed++
		}
	}
	branch, _, unborn, err := r.head()
	if err != nil {
		return c.fail(err)
	}
	if changed == 0 && !*allowEmpty {
		c.writeStatus(branch, unborn, st)
		return 1
	}

	sig := c.signature(r)
	committer := *sig
	if *author != "" {
		name, email, ok := parseAuthor(*author)
		if !ok {
			return c.fatal("--author '%s' is not 'Name <email>'", *author)
		}
		sig.Name, sig.Email = name, email
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		All:               *all,
		Author:            sig,
		Committer:         &committer,
		AllowEmptyCommits: *allowEmpty,
	})
	if err != nil {
		return c.fail(err)
	}

	if *quiet {
		return 0
	}
	label := branch
	if label == "" {
		label = "detached HEAD"
	}
	if unborn {
		label += " (root-commit)"
	}
	c.printf("[%s %s] %s\n", label, shortHash(hash), firstLine(msg))
	if changed == 1 {
		c.printf(" 1 file changed\n")
	} else {
		c.printf(" %d files changed\n", changed)
	}
	return 0
}

func sortedPaths(st git.Status) []string {
	paths := make([]string, 0, len(st))
	for p := range st {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func isStaged(f *git.FileStatus) bool {
	return f.Staging != git.Unmodified && f.Staging != git.Untracked
}

func statusLabel(code git.StatusCode) string {
	switch code {
	case git.Added:
		return "new file:   "
	case git.Deleted:
		return "deleted:    "
	case git.Renamed:
		return "renamed:    "
	case git.Copied:
		return "copied:     "
	case git.UpdatedButUnmerged:
		return "both modified:   "
	}
	return "modified:   "
}

// writeStatus prints the long status format.
func (c *call) writeStatus(branch string, unborn bool, st git.Status) {
	var staged, unstaged, untracked []string
	for _, p := range sortedPaths(st) {
		f := st[p]
		if isStaged(f) {
			staged = append(staged, "\t"+statusLabel(f.Staging)+p)
		}
		switch f.Worktree {
		case git.Unmodified:
		case git.Untracked:
			untracked = append(untracked, p)
		default:
			unstaged = append(unstaged, "\t"+statusLabel(f.Worktree)+p)
		}
	}

	if branch != "" {
		c.printf("On branch %s\n", branch)
	} else {
		c.printf("HEAD detached\n")
	}
	if unborn {
		c.printf("\nNo commits yet\n")
	}
	if len(staged) > 0 {
		c.printf("\nChanges to be committed:\n  (use \"git rm --cached <file>...\" to unstage)\n%s\n", strings.Join(staged, "\n"))
	}
	if len(unstaged) > 0 {
		c.printf("\nChanges not staged for commit:\n  (use \"git add <file>...\" to update what will be committed)\n%s\n", strings.Join(unstaged, "\n"))
	}
	if len(untracked) > 0 {
		c.printf("\nUntracked files:\n  (use \"git add <file>...\" to include in what will be committed)\n\t%s\n", strings.Join(untracked, "\n\t"))
	}
	switch {
	case len(staged) > 0:
	case len(unstaged) > 0:
		c.printf("\nno changes added to commit (use \"git add\" and/or \"git commit -a\")\n")
	case len(untracked) > 0:
		c.printf("\nnothing added to commit but untracked files present (use \"git add\" to track)\n")
	case unborn:
		c.printf("\nnothing to commit (create/copy files and use \"git add\" to track)\n")
	default:
		c.printf("nothing to commit, working tree clean\n")
	}
}

func cmdStatus(c *call, r *repo) int {
	fs := c.flags("status")
	short := fs.BoolP("short", "s", false, "give the output in the short format")
	porcelain := fs.Bool("porcelain", false, "machine-readable output")
	if _, ok := c.parse(fs); !ok {
		return statusUsage
	}
	wt, err := r.git.Worktree()
	if err != nil {
		return c.fail(err)
	}
	st, err := wt.Status()
	if err != nil {
		return c.fail(err)
	}
	if *short || *porcelain {
		for _, p := range sortedPaths(st) {
			f := st[p]
			// A path removed from the index but still on disk is both
			// a staged deletion and an untracked file.
			if isStaged(f) && f.Worktree == git.Untracked {
				c.printf("%c  %s\n?? %s\n", f.Staging, p, p)
				continue
			}
			c.printf("%c%c %s\n", f.Staging, f.Worktree, p)
		}
		return 0
	}
	branch, _, unborn, err := r.head()
	if err != nil {
		return c.fail(err)
	}
	c.writeStatus(branch, unborn, st)
	return 0
}

const logDateLayout = "Mon Jan 2 15:04:05 2006 -0700"

func cmdLog(c *call, r *repo) int {
	fs := c.flags("log")
	oneline := fs.Bool("oneline", false, "one line per commit")
	limit := fs.IntP("max-count", "n", -1, "limit the number of commits")
	if _, ok := c.parse(fs); !ok {
		return statusUsage
	}
	branch, hash, unborn, err := r.head()
	if err != nil {
		return c.fail(err)
	}
	if unborn {
		return c.fatal("your current branch '%s' does not have any commits yet", branch)
	}
	iter, err := r.git.Log(&git.LogOptions{From: hash})
	if err != nil {
		return c.fail(err)
	}
	defer iter.Close()

	n := 0
	err = iter.ForEach(func(cm *object.Commit) error {
		if *limit >= 0 && n >= *limit {
			return storer.ErrStop
		}
		if err := c.ctx.Err(); err != nil {
			return err
		}
		if *oneline {
			c.printf("%s %s\n", shortHash(cm.Hash), firstLine(cm.Message))
			n++
			return nil
		}
		if n > 0 {
			c.printf("\n")
		}
		n++
		c.printf("commit %s\n", cm.Hash)
		c.printf("Author: %s <%s>\n", cm.Author.Name, cm.Author.Email)
		c.printf("Date:   %s\n\n", cm.Author.When.Format(logDateLayout))
		for _, line := range strings.Split(strings.TrimRight(cm.Message, "\n"), "\n") {
			c.printf("    %s\n", line)
		}
		return nil
	})
	if err != nil {
		return c.fail(err)
	}
	return 0
}

func validBranchName(name string) bool {
	if name == "" || name == "HEAD" || strings.HasPrefix(name, "-") || strings.HasSuffix(name, "/") {
		return false
	}
	return !strings.ContainsAny(name, " ~^:?*[\\") && !strings.Contains(name, "..")
}

func cmdBranch(c *call, r *repo) int {
	fs := c.flags("branch")
	del := fs.BoolP("delete", "d", false, "delete a branch")
	force := fs.BoolP("force-delete", "D", false, "delete a branch irrespective of its merged status")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	current, hash, unborn, err := r.head()
	if err != nil {
		return c.fail(err)
	}

	switch {
	case *del || *force:
		if len(operands) == 0 {
			return c.fatal("branch name required")
		}
		for _, name := range operands {
			ref := plumbing.NewBranchReferenceName(name)
			if name == current {
				c.errorf("error: Cannot delete branch '%s' checked out at '%s'\n", name, r.root)
				return 1
			}
			existing, err := r.git.Reference(ref, false)
			if err != nil {
				c.errorf("error: branch '%s' not found.\n", name)
				return 1
			}
			if err := r.git.Storer.RemoveReference(ref); err != nil {
				return c.fail(err)
			}
			c.printf("Deleted branch %s (was %s).\n", name, shortHash(existing.Hash()))
		}
		return 0

	case len(operands) > 0:
		name := operands[0]
		if !validBranchName(name) {
			return c.fatal("'%s' is not a valid branch name", name)
		}
		if unborn {
			return c.fatal("not a valid object name: '%s'", current)
		}
		ref := plumbing.NewBranchReferenceName(name)
		if _, err := r.git.Reference(ref, false); err == nil {
			return c.fatal("a branch named '%s' already exists", name)
		}
		if err := r.git.Storer.SetReference(plumbing.NewHashReference(ref, hash)); err != nil {
			return c.fail(err)
		}
		return 0
	}

	iter, err := r.git.Branches()
	if err != nil {
		return c.fail(err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return c.fail(err)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == current {
			c.printf("* %s\n", name)
		} else {
			c.printf("  %s\n", name)
		}
	}
	return 0
}

func cmdCheckout(c *call, r *repo) int {
	fs := c.flags("checkout")
	newBranch := fs.StringP("branch", "b", "", "create and check out a new branch")
	create := fs.StringP("create", "c", "", "create and switch to a new branch")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	if *newBranch == "" {
		*newBranch = *create
	}
	current, _, unborn, err := r.head()
	if err != nil {
		return c.fail(err)
	}
	wt, err := r.git.Worktree()
	if err != nil {
		return c.fail(err)
	}

	if *newBranch != "" {
		name := *newBranch
		if !validBranchName(name) {
			return c.fatal("'%s' is not a valid branch name", name)
		}
		ref := plumbing.NewBranchReferenceName(name)
		if _, err := r.git.Reference(ref, false); err == nil {
			return c.fatal("a branch named '%s' already exists", name)
		}
		if unborn {
			err = r.git.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref))
		} else {
			err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true, Keep: true})
		}
		if err != nil {
			return c.fail(err)
		}
		c.errorf("Switched to a new branch '%s'\n", name)
		return 0
	}

	if len(operands) != 1 {
		c.errorf("usage: git checkout [-b <new-branch>] <branch>\n")
		return statusUsage
	}
	name := operands[0]
	if name == current {
		c.errorf("Already on '%s'\n", name)
		return 0
	}
	ref := plumbing.NewBranchReferenceName(name)
	if _, err := r.git.Reference(ref, false); err != nil {
		c.errorf("error: pathspec '%s' did not match any file(s) known to git\n", name)
		return 1
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref}); err != nil {
		if errors.Is(err, git.ErrUnstagedChanges) {
			c.errorf("error: Your local changes would be overwritten by checkout.\nPlease commit your changes or stash them before you switch branches.\nAborting\n")
			return 1
		}
		return c.fail(err)
	}
	c.errorf("Switched to branch '%s'\n", name)
	return 0
}
