package shell

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/IceWhaleTech/vfshell"
)

func textBuiltins() []Builtin {
	return []Builtin{
		{Name: "echo", Usage: "echo [-neE] [STRING]...", Summary: "display a line of text", Run: echoCmd},
		{Name: "head", Usage: "head [-n LINES] [FILE]...", Summary: "output the first part of files", Run: headCmd},
		{Name: "tail", Usage: "tail [-n LINES] [FILE]...", Summary: "output the last part of files", Run: tailCmd},
		{Name: "wc", Usage: "wc [-lwc] [FILE]...", Summary: "count lines, words and bytes", Run: wcCmd},
		{Name: "grep", Usage: "grep [-invclrqF] PATTERN [FILE]...", Summary: "print lines matching a pattern", Run: grepCmd},
		{Name: "sort", Usage: "sort [-rnuf] [FILE]...", Summary: "sort lines of text", Run: sortCmd},
		{Name: "uniq", Usage: "uniq [-cdu] [FILE]", Summary: "report or omit repeated lines", Run: uniqCmd},
		{Name: "tee", Usage: "tee [-a] [FILE]...", Summary: "copy standard input to files and standard output", Run: teeCmd},
	}
}

func echoCmd(ctx context.Context, c *Call) int {
	args := c.Args
	newline, escapes := true, false
options:
	for len(args) > 0 && len(args[0]) > 1 && args[0][0] == '-' {
		for _, r := range args[0][1:] {
			if r != 'n' && r != 'e' && r != 'E' {
				break options
			}
		}
		for _, r := range args[0][1:] {
			switch r {
			case 'n':
				newline = false
			case 'e':
				escapes = true
			case 'E':
				escapes = false
			}
		}
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if escapes {
		var stop bool
		out, stop = expandEscapes(out)
		if stop {
			newline = false
		}
	}
	if newline {
		out += "\n"
	}
	c.Printf("%s", out)
	return StatusOK
}

// expandEscapes interprets the backslash escapes echo -e understands. A \c
// truncates the output and reports stop.
func expandEscapes(s string) (string, bool) {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'a':
			sb.WriteByte('\a')
		case 'b':
			sb.WriteByte('\b')
		case 'v':
			sb.WriteByte('\v')
		case 'f':
			sb.WriteByte('\f')
		case 'e':
			sb.WriteByte(0x1b)
		case '\\':
			sb.WriteByte('\\')
		case 'c':
			return sb.String(), true
		case '0':
			j := i + 1
			for j < len(s) && j < i+4 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			n, _ := strconv.ParseUint("0"+s[i+1:j], 8, 8)
			sb.WriteByte(byte(n))
			i = j - 1
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String(), false
}

// numericShorthand rewrites the historical "-5" form to "-n5".
func numericShorthand(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' {
			if _, err := strconv.Atoi(a[1:]); err == nil {
				a = "-n" + a[1:]
			}
		}
		out[i] = a
	}
	return out
}

func headTail(c *Call, tail bool) int {
	c.Args = numericShorthand(c.Args)
	flagSet := c.Flags()
	lines := flagSet.IntP("lines", "n", 10, "number of lines")
	quiet := flagSet.BoolP("quiet", "q", false, "never print headers")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if *lines < 0 {
		return c.Errorf("invalid number of lines: '%d'", *lines)
	}
	inputs, status := c.Inputs(operands)
	for i, in := range inputs {
		if len(inputs) > 1 && !*quiet {
			if i > 0 {
				c.Println()
			}
			c.Printf("==> %s <==\n", displayName(in.name))
		}
		all := splitLines(in.data)
		n := min(*lines, len(all))
		selected := all[:n]
		if tail {
			selected = all[len(all)-n:]
		}
		for _, l := range selected {
			c.Println(l)
		}
	}
	return status
}

func displayName(name string) string {
	if name == "-" {
		return "standard input"
	}
	return name
}

func headCmd(ctx context.Context, c *Call) int { return headTail(c, false) }

func tailCmd(ctx context.Context, c *Call) int { return headTail(c, true) }

func wcCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	lines := flagSet.BoolP("lines", "l", false, "print the newline counts")
	words := flagSet.BoolP("words", "w", false, "print the word counts")
	bytes := flagSet.BoolP("bytes", "c", false, "print the byte counts")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if !*lines && !*words && !*bytes {
		*lines, *words, *bytes = true, true, true
	}
	inputs, status := c.Inputs(operands)

	type counts struct {
		name   string
		values []int
	}
	var rows []counts
	total := make([]int, 0, 3)
	for _, in := range inputs {
		var values []int
		if *lines {
			values = append(values, strings.Count(string(in.data), "\n"))
		}
		if *words {
			values = append(values, len(strings.FieldsFunc(string(in.data), unicode.IsSpace)))
		}
		if *bytes {
			values = append(values, len(in.data))
		}
		if len(total) == 0 {
			total = make([]int, len(values))
		}
		for i, v := range values {
			total[i] += v
		}
		name := in.name
		if name == "-" && len(operands) == 0 {
			name = ""
		}
		rows = append(rows, counts{name: name, values: values})
	}
	if len(rows) > 1 {
		rows = append(rows, counts{name: "total", values: total})
	}

	width := 1
	if len(rows) > 1 || len(total) > 1 {
		for _, v := range total {
			width = max(width, len(strconv.Itoa(v)))
		}
		if len(operands) == 0 {
			width = max(width, 7)
		}
	}
	for _, r := range rows {
		fields := make([]string, len(r.values))
		for i, v := range r.values {
			fields[i] = strconv.Itoa(v)
			for len(fields[i]) < width {
				fields[i] = " " + fields[i]
			}
		}
		line := strings.Join(fields, " ")
		if r.name != "" {
			line += " " + r.name
		}
		c.Println(line)
	}
	return status
}

func grepCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	ignoreCase := flagSet.BoolP("ignore-case", "i", false, "ignore case distinctions")
	lineNumber := flagSet.BoolP("line-number", "n", false, "prefix each line with its number")
	invert := flagSet.BoolP("invert-match", "v", false, "select non-matching lines")
	count := flagSet.BoolP("count", "c", false, "print only a count of matching lines")
	filesOnly := flagSet.BoolP("files-with-matches", "l", false, "print only names of files with matches")
	recursive := flagSet.BoolP("recursive", "r", false, "read all files under each directory")
	flagSet.BoolVarP(recursive, "dereference-recursive", "R", false, "same as -r")
	quiet := flagSet.BoolP("quiet", "q", false, "suppress all normal output")
	fixed := flagSet.BoolP("fixed-strings", "F", false, "pattern is a literal string")
	word := flagSet.BoolP("word-regexp", "w", false, "match only whole words")
	flagSet.BoolP("extended-regexp", "E", false, "pattern is an extended regular expression")
	withName := flagSet.BoolP("with-filename", "H", false, "print the file name for each match")
	noName := flagSet.BoolP("no-filename", "h", false, "suppress file names")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) == 0 {
		return c.Usagef("missing pattern")
	}
	expr := operands[0]
	if *fixed {
		expr = regexp.QuoteMeta(expr)
	}
	if *word {
		expr = `\b(?:` + expr + `)\b`
	}
	if *ignoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		c.Errorf("invalid regular expression '%s'", operands[0])
		return StatusUsage
	}

	names := operands[1:]
	if *recursive {
		if len(names) == 0 {
			names = []string{"."}
		}
		var files []string
		for _, name := range names {
			infos, err := c.View().Walk(name)
			if err != nil {
				c.Fail(name, err)
				status = StatusUsage
				continue
			}
			for _, fi := range infos {
				if fi.Kind != vfshell.KindFile {
					continue
				}
				rel := strings.TrimPrefix(fi.Path, infos[0].Path)
				if infos[0].Kind == vfshell.KindFile {
					files = append(files, name)
				} else {
					files = append(files, strings.TrimSuffix(name, "/")+rel)
				}
			}
		}
		names = files
	}
	inputs, st := c.Inputs(names)
	if st != StatusOK {
		status = StatusUsage
	}
	prefix := (len(names) > 1 || *recursive || *withName) && !*noName

	matched := false
	for _, in := range inputs {
		if ctx.Err() != nil {
			return StatusInterrupted
		}
		n := 0
		for i, line := range splitLines(in.data) {
			if re.MatchString(line) == *invert {
				continue
			}
			n++
			matched = true
			if *quiet {
				return StatusOK
			}
			if *count || *filesOnly {
				continue
			}
			var sb strings.Builder
			if prefix {
				sb.WriteString(displayName(in.name) + ":")
			}
			if *lineNumber {
				sb.WriteString(strconv.Itoa(i+1) + ":")
			}
			sb.WriteString(line)
			c.Println(sb.String())
		}
		switch {
		case *filesOnly && n > 0:
			c.Println(displayName(in.name))
		case *count && prefix:
			c.Printf("%s:%d\n", displayName(in.name), n)
		case *count:
			c.Println(n)
		}
	}
	switch {
	case status != StatusOK:
		return status
	case !matched:
		return StatusFailure
	}
	return StatusOK
}

// leadingNumber parses the numeric prefix of s the way sort -n does.
// Lines without one sort as zero.
func leadingNumber(s string) float64 {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' || (end == 0 && s[end] == '-')) {
		end++
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return f
}

func sortCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	reverse := flagSet.BoolP("reverse", "r", false, "reverse the result of comparisons")
	numeric := flagSet.BoolP("numeric-sort", "n", false, "compare according to numerical value")
	unique := flagSet.BoolP("unique", "u", false, "output only the first of equal lines")
	fold := flagSet.BoolP("ignore-case", "f", false, "fold lower case to upper case")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	inputs, status := c.Inputs(operands)
	var lines []string
	for _, in := range inputs {
		lines = append(lines, splitLines(in.data)...)
	}

	key := func(s string) string {
		if *fold {
			return strings.ToUpper(s)
		}
		return s
	}
	compare := func(a, b string) int {
		if *numeric {
			na, nb := leadingNumber(a), leadingNumber(b)
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
		return strings.Compare(key(a), key(b))
	}
	sort.SliceStable(lines, func(i, j int) bool {
		cmp := compare(lines[i], lines[j])
		if cmp == 0 && !*unique {
			cmp = strings.Compare(lines[i], lines[j])
		}
		if *reverse {
			return cmp > 0
		}
		return cmp < 0
	})
	for i, l := range lines {
		if *unique && i > 0 && compare(lines[i-1], l) == 0 {
			continue
		}
		c.Println(l)
	}
	return status
}

func uniqCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	count := flagSet.BoolP("count", "c", false, "prefix lines by the number of occurrences")
	repeated := flagSet.BoolP("repeated", "d", false, "only print duplicate lines")
	uniqueOnly := flagSet.BoolP("unique", "u", false, "only print unique lines")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) > 1 {
		return c.Usagef("extra operand '%s'", operands[1])
	}
	inputs, status := c.Inputs(operands)
	if len(inputs) == 0 {
		return status
	}
	lines := splitLines(inputs[0].data)
	emit := func(line string, n int) {
		if *repeated && n < 2 || *uniqueOnly && n > 1 {
			return
		}
		if *count {
			c.Printf("%7d %s\n", n, line)
		} else {
			c.Println(line)
		}
	}
	for i := 0; i < len(lines); {
		j := i + 1
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		emit(lines[i], j-i)
		i = j
	}
	return status
}

func teeCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	appendMode := flagSet.BoolP("append", "a", false, "append to the given files")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	view := c.View()
	for _, name := range operands {
		var err error
		if *appendMode {
			err = view.AppendFile(name, c.Stdin)
		} else {
			err = view.WriteFile(name, c.Stdin)
		}
		if err != nil {
			status = c.Fail(name, err)
		}
	}
	c.Stdout.Write(c.Stdin)
	return status
}
