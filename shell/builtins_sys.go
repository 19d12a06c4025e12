package shell

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/IceWhaleTech/vfshell"
)

const (
	kernelRelease = "5.15.0-vfshell"
	kernelVersion = "#1 SMP"
	machine       = "x86_64"

	diskTotalKB = 15728640
	tmpfsKB     = 819200
)

func sysBuiltins() []Builtin {
	return []Builtin{
		{Name: "whoami", Usage: "whoami", Summary: "print the effective user name", Run: whoamiCmd},
		{Name: "id", Usage: "id [USER]", Summary: "print user and group ids", Run: idCmd},
		{Name: "su", Usage: "su [-] [-c COMMAND] [USER]", Summary: "run a shell as another user", Run: suCmd},
		{Name: "sudo", Usage: "sudo [-u USER] COMMAND [ARG]...", Summary: "execute a command as another user", Run: sudoCmd},
		{Name: "env", Usage: "env", Summary: "print the environment", Run: envCmd},
		{Name: "export", Usage: "export [NAME[=VALUE]]...", Summary: "set environment variables", Run: exportCmd},
		{Name: "unset", Usage: "unset NAME...", Summary: "remove environment variables", Run: unsetCmd},
		{Name: "history", Usage: "history [-c] [N]", Summary: "show command history", Run: historyCmd},
		{Name: "date", Usage: "date [-u] [+FORMAT]", Summary: "print the date and time", Run: dateCmd},
		{Name: "uname", Usage: "uname [-asnrvmo]", Summary: "print system information", Run: unameCmd},
		{Name: "hostname", Usage: "hostname", Summary: "print the host name", Run: hostnameCmd},
		{Name: "uptime", Usage: "uptime", Summary: "tell how long the system has been running", Run: uptimeCmd},
		{Name: "df", Usage: "df [-h]", Summary: "report file system disk space usage", Run: dfCmd},
		{Name: "free", Usage: "free [-h]", Summary: "display amount of free and used memory", Run: freeCmd},
		{Name: "ps", Usage: "ps [aux]", Summary: "report running processes", Run: psCmd},
		{Name: "which", Usage: "which COMMAND...", Summary: "locate a command", Run: whichCmd},
		{Name: "help", Usage: "help [COMMAND]", Summary: "list available commands", Run: helpCmd},
		{Name: "man", Usage: "man COMMAND", Summary: "show the manual page of a command", Run: manCmd},
		{Name: "clear", Usage: "clear", Summary: "clear the terminal screen", Run: clearCmd},
		{Name: "sleep", Usage: "sleep NUMBER[smh]", Summary: "delay for a specified amount of time", Run: sleepCmd},
		{Name: "exit", Usage: "exit [N]", Summary: "exit the shell", Run: exitCmd},
		{Name: "logout", Usage: "logout", Summary: "exit a login shell", Run: exitCmd},
		{Name: "true", Usage: "true", Summary: "do nothing, successfully", Run: func(context.Context, *Call) int { return StatusOK }},
		{Name: "false", Usage: "false", Summary: "do nothing, unsuccessfully", Run: func(context.Context, *Call) int { return StatusFailure }},
		{Name: "save", Usage: "save [-f]", Summary: "persist the filesystem state", Run: saveCmd},
		{Name: "snapshot", Usage: "snapshot create|restore|delete NAME | snapshot list", Summary: "manage filesystem snapshots", Run: snapshotCmd},
	}
}

func whoamiCmd(ctx context.Context, c *Call) int {
	c.Println(c.Session.User().Name)
	return StatusOK
}

func idCmd(ctx context.Context, c *Call) int {
	users := c.Session.interp.opts.Users
	u := c.Session.User()
	if len(c.Args) > 0 {
		var ok bool
		if u, ok = users.Lookup(c.Args[0]); !ok {
			return c.Errorf("'%s': no such user", c.Args[0])
		}
	}
	groups := []string{fmt.Sprintf("%d(%s)", u.GID, users.GroupName(u.GID))}
	for _, g := range u.Groups {
		if g != u.GID {
			groups = append(groups, fmt.Sprintf("%d(%s)", g, users.GroupName(g)))
		}
	}
	c.Printf("uid=%d(%s) gid=%d(%s) groups=%s\n", u.UID, u.Name, u.GID, users.GroupName(u.GID), strings.Join(groups, ","))
	return StatusOK
}

// authenticate asks for name's password unless the acting user is root or
// the account has none.
func (c *Call) authenticate(name, prompt string) bool {
	s := c.Session
	users := s.interp.opts.Users
	u, _ := users.Lookup(name)
	if s.User().UID == 0 || len(u.PasswordHash) == 0 {
		return true
	}
	if s.Prompter == nil {
		return false
	}
	password, err := s.Prompter.ReadPassword(prompt)
	if err != nil {
		return false
	}
	return users.Authenticate(name, password)
}

func suCmd(ctx context.Context, c *Call) int {
	args := c.Args
	var command string
	name := "root"
	for len(args) > 0 {
		switch a := args[0]; {
		case a == "-" || a == "-l" || a == "--login":
		case a == "-c" || a == "--command":
			if len(args) < 2 {
				return c.Usagef("option requires an argument -- 'c'")
			}
			command = args[1]
			args = args[1:]
		case strings.HasPrefix(a, "-"):
			return c.Usagef("invalid option -- '%s'", strings.TrimLeft(a, "-"))
		default:
			name = a
		}
		args = args[1:]
	}

	s := c.Session
	target, ok := s.interp.opts.Users.Lookup(name)
	if !ok {
		return c.Errorf("user %s does not exist", name)
	}
	if !c.authenticate(name, "Password: ") {
		return c.Errorf("Authentication failure")
	}
	s.pushUser(target)
	if command == "" {
		return StatusOK
	}
	defer s.popUser()
	script, err := Parse(command)
	if err != nil {
		return c.Errorf("%v", err)
	}
	return s.runScript(ctx, script, c.Stdout, c.Stderr)
}

func sudoCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	flagSet.SetInterspersed(false)
	name := flagSet.StringP("user", "u", "root", "run the command as USER")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		return c.Errorf("missing command")
	}
	s := c.Session
	me := s.User()
	if me.UID != 0 && !me.Sudo {
		return c.Errorf("%s is not in the sudoers file.  This incident will be reported.", me.Name)
	}
	target, ok := s.interp.opts.Users.Lookup(*name)
	if !ok {
		return c.Errorf("unknown user: %s", *name)
	}
	if !c.authenticate(me.Name, fmt.Sprintf("[sudo] password for %s: ", me.Name)) {
		return c.Errorf("a password is required")
	}
	s.pushUser(target)
	defer s.popUser()
	return s.runCommand(ctx, operands[0], operands[1:], c.Stdin, c.Stdout, c.Stderr)
}

func envCmd(ctx context.Context, c *Call) int {
	for _, kv := range c.Session.Environ() {
		c.Println(kv)
	}
	return StatusOK
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func exportCmd(ctx context.Context, c *Call) int {
	s := c.Session
	args := c.Args
	if len(args) > 0 && args[0] == "-p" {
		args = args[1:]
	}
	if len(args) == 0 {
		for _, kv := range s.Environ() {
			k, v, _ := strings.Cut(kv, "=")
			c.Printf("declare -x %s=%q\n", k, v)
		}
		return StatusOK
	}
	status := StatusOK
	for _, a := range args {
		k, v, hasValue := strings.Cut(a, "=")
		if !identRE.MatchString(k) {
			status = c.Errorf("`%s': not a valid identifier", a)
			continue
		}
		if hasValue {
			s.Setenv(k, v)
		}
	}
	return status
}

func unsetCmd(ctx context.Context, c *Call) int {
	for _, k := range c.Args {
		c.Session.Unsetenv(k)
	}
	return StatusOK
}

func historyCmd(ctx context.Context, c *Call) int {
	s := c.Session
	if len(c.Args) > 0 && c.Args[0] == "-c" {
		s.clearHistory()
		return StatusOK
	}
	first := 0
	if len(c.Args) > 0 {
		n, err := strconv.Atoi(c.Args[0])
		if err != nil || n < 0 {
			return c.Errorf("%s: numeric argument required", c.Args[0])
		}
		first = max(0, len(s.history)-n)
	}
	for i := first; i < len(s.history); i++ {
		c.Printf("%5d  %s\n", s.histBase+i+1, s.history[i])
	}
	return StatusOK
}

func dateCmd(ctx context.Context, c *Call) int {
	t := c.Session.interp.now()
	format := "%a %b %e %H:%M:%S %Z %Y"
	for _, a := range c.Args {
		switch {
		case a == "-u" || a == "--utc":
			t = t.UTC()
		case strings.HasPrefix(a, "+"):
			format = a[1:]
		default:
			return c.Errorf("invalid date '%s'", a)
		}
	}
	c.Println(strftime.Format(format, t))
	return StatusOK
}

func unameCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	all := flagSet.BoolP("all", "a", false, "print all information")
	kernel := flagSet.BoolP("kernel-name", "s", false, "print the kernel name")
	node := flagSet.BoolP("nodename", "n", false, "print the network node hostname")
	release := flagSet.BoolP("kernel-release", "r", false, "print the kernel release")
	version := flagSet.BoolP("kernel-version", "v", false, "print the kernel version")
	mach := flagSet.BoolP("machine", "m", false, "print the machine hardware name")
	osName := flagSet.BoolP("operating-system", "o", false, "print the operating system")
	_, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if !*kernel && !*node && !*release && !*version && !*mach && !*osName {
		*kernel = true
	}
	var fields []string
	add := func(on bool, v string) {
		if on || *all {
			fields = append(fields, v)
		}
	}
	add(*kernel, "Linux")
	add(*node, c.Session.interp.opts.Hostname)
	add(*release, kernelRelease)
	add(*version, kernelVersion)
	add(*mach, machine)
	add(*osName, "GNU/Linux")
	c.Println(strings.Join(fields, " "))
	return StatusOK
}

func hostnameCmd(ctx context.Context, c *Call) int {
	c.Println(c.Session.interp.opts.Hostname)
	return StatusOK
}

func uptimeCmd(ctx context.Context, c *Call) int {
	in := c.Session.interp
	now := in.now()
	up := now.Sub(in.started)
	var since string
	if up < time.Hour {
		since = fmt.Sprintf("%d min", int(up.Minutes()))
	} else {
		since = fmt.Sprintf("%d:%02d", int(up.Hours()), int(up.Minutes())%60)
	}
	c.Printf(" %s up %s,  1 user,  load average: 0.00, 0.00, 0.00\n", now.Format("15:04:05"), since)
	return StatusOK
}

func dfCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	human := flagSet.BoolP("human-readable", "h", false, "print sizes in powers of 1024")
	_, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	_, size := c.Session.interp.tree.Usage()
	usedKB := (size + 1023) / 1024
	pct := int((usedKB*100 + diskTotalKB - 1) / diskTotalKB)
	if *human {
		c.Println("Filesystem      Size  Used Avail Use% Mounted on")
		c.Printf("%-14s %5s %5s %5s %3d%% %s\n", "/dev/root",
			humanSize(diskTotalKB*1024), humanSize(usedKB*1024), humanSize((diskTotalKB-usedKB)*1024), pct, "/")
		c.Printf("%-14s %5s %5s %5s %3d%% %s\n", "tmpfs",
			humanSize(tmpfsKB*1024), "0", humanSize(tmpfsKB*1024), 0, "/dev/shm")
		return StatusOK
	}
	c.Println("Filesystem     1K-blocks    Used Available Use% Mounted on")
	c.Printf("%-14s %9d %7d %9d %3d%% %s\n", "/dev/root", diskTotalKB, usedKB, diskTotalKB-usedKB, pct, "/")
	c.Printf("%-14s %9d %7d %9d %3d%% %s\n", "tmpfs", tmpfsKB, 0, tmpfsKB, 0, "/dev/shm")
	return StatusOK
}

func freeCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	human := flagSet.BoolP("human", "h", false, "show human-readable output")
	_, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	mem := [6]int64{8048576, 1048576, 6000000, 10240, 1000000, 6800000}
	swap := [3]int64{2097152, 0, 2097152}
	render := func(kb int64) string {
		if *human {
			return humanSize(kb * 1024)
		}
		return strconv.FormatInt(kb, 10)
	}
	c.Println("               total        used        free      shared  buff/cache   available")
	c.Printf("Mem:    %12s%12s%12s%12s%12s%12s\n",
		render(mem[0]), render(mem[1]), render(mem[2]), render(mem[3]), render(mem[4]), render(mem[5]))
	c.Printf("Swap:   %12s%12s%12s\n", render(swap[0]), render(swap[1]), render(swap[2]))
	return StatusOK
}

func psCmd(ctx context.Context, c *Call) int {
	s := c.Session
	full := false
	for _, a := range c.Args {
		if strings.ContainsAny(a, "aufe") {
			full = true
		}
	}
	if !full {
		c.Println("  PID TTY          TIME CMD")
		c.Printf("%5d pts/0    00:00:00 bash\n", s.pid)
		c.Printf("%5d pts/0    00:00:00 ps\n", s.pid+1)
		return StatusOK
	}
	start := s.interp.started.Format("15:04")
	name := s.User().Name
	c.Println("USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND")
	c.Printf("%-8s %7d  0.0  0.1 167744 11904 ?        Ss   %s   0:01 /sbin/init\n", "root", 1, start)
	c.Printf("%-8s %7d  0.0  0.0   8956  5512 pts/0    Ss   %s   0:00 -bash\n", name, s.pid, start)
	c.Printf("%-8s %7d  0.0  0.0  10072  3340 pts/0    R+   %s   0:00 ps %s\n", name, s.pid+1, start, strings.Join(c.Args, " "))
	return StatusOK
}

func whichCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		return StatusFailure
	}
	registry := c.Session.interp.registry
	status := StatusOK
	for _, name := range c.Args {
		if _, err := registry.Get(commandName(name)); err != nil {
			path, _ := c.Session.Getenv("PATH")
			fmt.Fprintf(c.Stderr, "which: no %s in (%s)\n", name, path)
			status = StatusFailure
			continue
		}
		c.Printf("/usr/bin/%s\n", commandName(name))
	}
	return status
}

func helpCmd(ctx context.Context, c *Call) int {
	registry := c.Session.interp.registry
	if len(c.Args) > 0 {
		b, err := registry.Get(c.Args[0])
		if err != nil {
			return c.Errorf("no help topics match '%s'", c.Args[0])
		}
		c.Printf("%s: %s\n    %s\n", b.Name, b.Usage, b.Summary)
		return StatusOK
	}
	c.Println("Available commands:")
	w := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range registry.List() {
		b, _ := registry.Get(name)
		fmt.Fprintf(w, "  %s\t%s\n", b.Name, b.Summary)
	}
	w.Flush()
	return StatusOK
}

func manCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		c.Errorf("What manual page do you want?")
		return StatusFailure
	}
	b, err := c.Session.interp.registry.Get(commandName(c.Args[0]))
	if err != nil {
		fmt.Fprintf(c.Stderr, "No manual entry for %s\n", c.Args[0])
		return 16
	}
	upper := strings.ToUpper(b.Name)
	c.Printf("%s(1)%*s%s(1)\n\n", upper, 40-len(upper), "User Commands", upper)
	c.Printf("NAME\n       %s - %s\n\nSYNOPSIS\n       %s\n", b.Name, b.Summary, b.Usage)
	return StatusOK
}

func clearCmd(ctx context.Context, c *Call) int {
	c.Printf("\033[H\033[2J")
	return StatusOK
}

func sleepCmd(ctx context.Context, c *Call) int {
	if len(c.Args) == 0 {
		return c.Usagef("missing operand")
	}
	var total time.Duration
	for _, a := range c.Args {
		unit := time.Second
		switch {
		case strings.HasSuffix(a, "s"):
			a = a[:len(a)-1]
		case strings.HasSuffix(a, "m"):
			a, unit = a[:len(a)-1], time.Minute
		case strings.HasSuffix(a, "h"):
			a, unit = a[:len(a)-1], time.Hour
		}
		f, err := strconv.ParseFloat(a, 64)
		if err != nil || f < 0 {
			return c.Errorf("invalid time interval '%s'", a)
		}
		total += time.Duration(f * float64(unit))
	}
	timer := time.NewTimer(total)
	defer timer.Stop()
	select {
	case <-timer.C:
		return StatusOK
	case <-ctx.Done():
		return StatusInterrupted
	}
}

func exitCmd(ctx context.Context, c *Call) int {
	s := c.Session
	status := s.status
	if len(c.Args) > 0 {
		n, err := strconv.Atoi(c.Args[0])
		if err != nil {
			c.Errorf("%s: numeric argument required", c.Args[0])
			n = StatusUsage
		}
		status = n & 0xff
	}
	if s.popUser() {
		return status
	}
	s.exited = true
	return status
}

func saveCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	force := flagSet.BoolP("force", "f", false, "write even if the stored state is unchanged or preserved")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) > 0 {
		return c.Usagef("unexpected operand %q", operands[0])
	}
	checkpoint := c.Session.interp.opts.Checkpoint
	if checkpoint == nil {
		return c.Errorf("persistence is not configured")
	}
	err := checkpoint(ctx, *force)
	if errors.Is(err, vfshell.ErrPreserved) {
		return c.Errorf("stored state could not be read and was kept; use save -f to replace it")
	}
	if err != nil {
		return c.Errorf("%v", err)
	}
	c.Println("State saved")
	return StatusOK
}

func snapshotCmd(ctx context.Context, c *Call) int {
	snaps := c.Session.interp.opts.Snapshots
	if snaps == nil {
		return c.Errorf("snapshots are not enabled")
	}
	if len(c.Args) == 0 {
		return c.Usagef("missing subcommand")
	}
	sub, args := c.Args[0], c.Args[1:]
	if sub == "list" {
		w := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCREATED\tNODES\tSIZE")
		for _, m := range snaps.List() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.Name, m.CreatedAt.Format("2006-01-02 15:04:05"), m.FileCount, humanSize(m.Size))
		}
		w.Flush()
		return StatusOK
	}
	if len(args) != 1 {
		return c.Usagef("%s requires a snapshot name", sub)
	}
	name := args[0]
	if (sub == "restore" || sub == "delete") && c.Session.User().UID != 0 {
		return c.Errorf("%s: %s", sub, vfshell.Describe(vfshell.ErrPermissionDenied))
	}
	switch sub {
	case "create":
		m, err := snaps.Create(name)
		if err != nil {
			return c.Errorf("%v", err)
		}
		c.Printf("Snapshot '%s' created (%d nodes)\n", m.Name, m.FileCount)
	case "restore":
		if err := snaps.Restore(name); err != nil {
			return c.Errorf("%v", err)
		}
		c.Printf("Snapshot '%s' restored\n", name)
	case "delete":
		if err := snaps.Delete(name); err != nil {
			return c.Errorf("%v", err)
		}
		c.Printf("Snapshot '%s' deleted\n", name)
	default:
		return c.Usagef("unknown subcommand '%s'", sub)
	}
	return StatusOK
}
