package vcs

import (
	"bytes"
	"errors"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	format "github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/IceWhaleTech/vfshell"
)

func cmdInit(c *call) int {
	fs := c.flags("init")
	branch := fs.StringP("initial-branch", "b", "", "name of the initial branch")
	quiet := fs.BoolP("quiet", "q", false, "only print errors")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	if len(operands) > 1 {
		c.errorf("usage: git init [-q] [-b <branch-name>] [<directory>]\n")
		return statusUsage
	}
	dir := c.view.Cwd()
	if len(operands) == 1 {
		dir = c.view.Abs(operands[0])
	}
	if err := c.view.MkdirAll(dir, vfshell.DefaultDirMode); err != nil {
		return c.fail(err)
	}
	dotPath := vfshell.Join(dir, gitDir)
	if fi, err := c.view.Stat(dotPath); err == nil && fi.IsDir() {
		if !*quiet {
			c.printf("Reinitialized existing Git repository in %s/\n", dotPath)
		}
		return 0
	}

	st := newStaging(dir)
	storage, err := storageFor(st.fs)
	if err != nil {
		return c.fail(err)
	}
	r, err := git.Init(storage, st.fs)
	if err != nil {
		return c.fail(err)
	}
	if *branch == "" {
		*branch = c.globalGet("init.defaultBranch")
	}
	if *branch != "" {
		if !validBranchName(*branch) {
			return c.fatal("invalid initial branch name: '%s'", *branch)
		}
		head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(*branch))
		if err := r.Storer.SetReference(head); err != nil {
			return c.fail(err)
		}
	}
	if _, err := st.flush(c.view, fileMode); err != nil {
		return c.fail(err)
	}
	if err := c.view.SetXattr(dir, RepoMarker, "1"); err != nil {
		return c.fail(err)
	}
	if !*quiet {
		c.printf("Initialized empty Git repository in %s/\n", dotPath)
	}
	return 0
}

// cloneDir derives the default directory name from a source.
func cloneDir(src string) string {
	src = strings.TrimRight(src, "/")
	if i := strings.LastIndexAny(src, "/:"); i >= 0 {
		src = src[i+1:]
	}
	return strings.TrimSuffix(src, ".git")
}

func cmdClone(c *call) int {
	fs := c.flags("clone")
	branch := fs.StringP("branch", "b", "", "check out this branch instead of the remote HEAD")
	depth := fs.Int("depth", 0, "create a shallow clone")
	quiet := fs.BoolP("quiet", "q", false, "operate quietly")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	if len(operands) == 0 || len(operands) > 2 {
		c.errorf("usage: git clone [<options>] [--] <repo> [<dir>]\n")
		return statusUsage
	}
	src := operands[0]
	name := cloneDir(src)
	if len(operands) == 2 {
		name = operands[1]
	}
	if name == "" {
		return c.fatal("could not guess directory name from '%s'", src)
	}
	dest := c.view.Abs(name)
	if entries, err := c.view.ListDir(dest); err == nil && len(entries) > 0 {
		return c.fatal("destination path '%s' already exists and is not an empty directory.", name)
	} else if err != nil && !errors.Is(err, vfshell.ErrNotFound) {
		if fi, serr := c.view.Lstat(dest); serr == nil && !fi.IsDir() {
			return c.fatal("destination path '%s' already exists and is not an empty directory.", name)
		}
		return c.fail(err)
	}

	url, origin := src, src
	if !isURL(src) {
		source, err := c.sourceStorage(src)
		if err != nil {
			return c.fatal("repository '%s' does not exist", src)
		}
		var release func()
		url, release = serveLocal(source)
		defer release()
		origin = c.view.Abs(src)
	}
	if !*quiet {
		c.errorf("Cloning into '%s'...\n", name)
	}

	st := newStaging(dest)
	storage, err := storageFor(st.fs)
	if err != nil {
		return c.fail(err)
	}
	opts := &git.CloneOptions{URL: url, Depth: *depth}
	if *branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(*branch)
		opts.SingleBranch = true
	}
	// No tree lock is held here; the transfer may block on the network.
	r, err := git.CloneContext(c.ctx, storage, st.fs, opts)
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		c.errorf("warning: You appear to have cloned an empty repository.\n")
		st = newStaging(dest)
		if storage, err = storageFor(st.fs); err != nil {
			return c.fail(err)
		}
		if r, err = git.Init(storage, st.fs); err != nil {
			return c.fail(err)
		}
		if _, err = r.CreateRemote(&config.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{origin}}); err != nil {
			return c.fail(err)
		}
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return c.fatal("repository '%s' not found", src)
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return c.fatal("Authentication failed for '%s'", src)
	case err != nil:
		return c.fatal("unable to access '%s': %v", src, err)
	}

	if origin != url {
		cfg, err := r.Config()
		if err != nil {
			return c.fail(err)
		}
		if remote, ok := cfg.Remotes[git.DefaultRemoteName]; ok {
			remote.URLs = []string{origin}
		}
		if err := r.Storer.SetConfig(cfg); err != nil {
			return c.fail(err)
		}
	}
	if _, err := st.flush(c.view, fileMode); err != nil {
		return c.fail(err)
	}
	if err := c.view.SetXattr(dest, RepoMarker, "1"); err != nil {
		return c.fail(err)
	}
	return 0
}

// sourceStorage stages the object store of a repository in the tree. src
// is either a working copy or a bare repository directory.
func (c *call) sourceStorage(src string) (*filesystem.Storage, error) {
	dir := c.view.Abs(src)
	if fi, err := c.view.Stat(vfshell.Join(dir, gitDir)); err == nil && fi.IsDir() {
		dir = vfshell.Join(dir, gitDir)
	} else if _, err := c.view.Stat(vfshell.Join(dir, "HEAD")); err != nil {
		return nil, vfshell.ErrNotAGitRepository
	}
	st, err := load(c.view, dir, nil)
	if err != nil {
		return nil, err
	}
	return filesystem.NewStorage(st.fs, cache.NewObjectLRUDefault()), nil
}

// splitKey splits "section.key" or "section.sub.key".
func splitKey(key string) (section, sub, name string, ok bool) {
	i := strings.IndexByte(key, '.')
	j := strings.LastIndexByte(key, '.')
	if i <= 0 || j == len(key)-1 {
		return "", "", "", false
	}
	section, name = key[:i], key[j+1:]
	if j > i {
		sub = key[i+1 : j]
	}
	return section, sub, name, true
}

func rawGet(raw *format.Config, key string) (string, bool) {
	section, sub, name, ok := splitKey(key)
	if !ok || raw == nil {
		return "", false
	}
	for _, s := range raw.Sections {
		if !s.IsName(section) {
			continue
		}
		opts := s.Options
		if sub != "" {
			if !s.HasSubsection(sub) {
				continue
			}
			opts = s.Subsection(sub).Options
		}
		if opts.Has(name) {
			return opts.Get(name), true
		}
	}
	return "", false
}

func rawList(raw *format.Config) []string {
	var out []string
	for _, s := range raw.Sections {
		for _, o := range s.Options {
			out = append(out, strings.ToLower(s.Name)+"."+o.Key+"="+o.Value)
		}
		for _, ss := range s.Subsections {
			for _, o := range ss.Options {
				out = append(out, strings.ToLower(s.Name)+"."+ss.Name+"."+o.Key+"="+o.Value)
			}
		}
	}
	return out
}

// globalPath is the per-user config file, kept in the tree.
func (c *call) globalPath() string {
	home := c.env["HOME"]
	if home == "" {
		return ""
	}
	return vfshell.Join(home, ".gitconfig")
}

func (c *call) readGlobal() (*format.Config, error) {
	raw := format.New()
	p := c.globalPath()
	if p == "" {
		return raw, nil
	}
	data, err := c.view.ReadFile(p)
	if errors.Is(err, vfshell.ErrNotFound) {
		return raw, nil
	}
	if err != nil {
		return nil, err
	}
	if err := format.NewDecoder(bytes.NewReader(data)).Decode(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *call) writeGlobal(raw *format.Config) error {
	p := c.globalPath()
	if p == "" {
		return errors.New("$HOME not set")
	}
	var buf bytes.Buffer
	if err := format.NewEncoder(&buf).Encode(raw); err != nil {
		return err
	}
	return c.view.WriteFile(p, buf.Bytes())
}

func (c *call) globalGet(key string) string {
	raw, err := c.readGlobal()
	if err != nil {
		return ""
	}
	v, _ := rawGet(raw, key)
	return v
}

// configGet looks key up in the repository config, then the global one.
func (c *call) configGet(r *repo, key string) string {
	if r != nil {
		if cfg, err := r.git.Config(); err == nil {
			if v, ok := rawGet(cfg.Raw, key); ok {
				return v
			}
		}
	}
	return c.globalGet(key)
}

// setUser keeps the typed user fields in step with the raw section, since
// marshaling the config writes them back over it.
func setUser(cfg *config.Config, key, value string) {
	switch key {
	case "user.name":
		cfg.User.Name = value
	case "user.email":
		cfg.User.Email = value
	}
}

func cmdConfig(c *call) int {
	fs := c.flags("config")
	global := fs.Bool("global", false, "use the per-user config file")
	list := fs.BoolP("list", "l", false, "list all variables")
	unset := fs.Bool("unset", false, "remove a variable")
	operands, ok := c.parse(fs)
	if !ok {
		return statusUsage
	}
	if !*list && (len(operands) == 0 || len(operands) > 2) {
		c.errorf("usage: git config [--global] [--list | --unset] <name> [<value>]\n")
		return statusUsage
	}
	var key string
	var section, sub, name string
	if !*list {
		key = operands[0]
		var ok bool
		if section, sub, name, ok = splitKey(key); !ok {
			c.errorf("error: key does not contain a section: %s\n", key)
			return 1
		}
	}

	if *global {
		raw, err := c.readGlobal()
		if err != nil {
			return c.fail(err)
		}
		switch {
		case *list:
			for _, line := range rawList(raw) {
				c.printf("%s\n", line)
			}
			return 0
		case *unset:
			removeOption(raw, section, sub, name)
		case len(operands) == 2:
			raw.SetOption(section, sub, name, operands[1])
		default:
			v, ok := rawGet(raw, key)
			if !ok {
				return 1
			}
			c.printf("%s\n", v)
			return 0
		}
		if err := c.writeGlobal(raw); err != nil {
			return c.fail(err)
		}
		return 0
	}

	return withRepo(func(c *call, r *repo) int {
		cfg, err := r.git.Config()
		if err != nil {
			return c.fail(err)
		}
		switch {
		case *list:
			if user, err := c.readGlobal(); err == nil {
				for _, line := range rawList(user) {
					c.printf("%s\n", line)
				}
			}
			for _, line := range rawList(cfg.Raw) {
				c.printf("%s\n", line)
			}
			return 0
		case *unset:
			removeOption(cfg.Raw, section, sub, name)
			setUser(cfg, key, "")
		case len(operands) == 2:
			cfg.Raw.SetOption(section, sub, name, operands[1])
			setUser(cfg, key, operands[1])
		default:
			v := c.configGet(r, key)
			if v == "" {
				return 1
			}
			c.printf("%s\n", v)
			return 0
		}
		if err := r.git.Storer.SetConfig(cfg); err != nil {
			return c.fail(err)
		}
		return 0
	})(c)
}

func removeOption(raw *format.Config, section, sub, name string) {
	if !raw.HasSection(section) {
		return
	}
	s := raw.Section(section)
	if sub == "" {
		s.RemoveOption(name)
		return
	}
	if s.HasSubsection(sub) {
		s.Subsection(sub).RemoveOption(name)
	}
}
