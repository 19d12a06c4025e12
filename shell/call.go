package shell

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/IceWhaleTech/vfshell"
)

// Call is the invocation of one built-in: its arguments, standard streams
// and the session it runs in.
type Call struct {
	Name   string
	Args   []string
	Stdin  []byte
	Stdout io.Writer
	Stderr io.Writer

	Session *Session
	builtin *Builtin
}

// View returns the session's view of the tree.
func (c *Call) View() vfshell.View { return c.Session.View() }

// Printf writes to standard output.
func (c *Call) Printf(format string, args ...any) {
	fmt.Fprintf(c.Stdout, format, args...)
}

// Println writes a line to standard output.
func (c *Call) Println(args ...any) {
	fmt.Fprintln(c.Stdout, args...)
}

// Errorf writes "name: message" to standard error and returns
// StatusFailure.
func (c *Call) Errorf(format string, args ...any) int {
	fmt.Fprintf(c.Stderr, "%s: %s\n", c.Name, fmt.Sprintf(format, args...))
	return StatusFailure
}

// Fail reports err for operand the way coreutils do:
// "cat: notes.txt: No such file or directory".
func (c *Call) Fail(operand string, err error) int {
	return c.Errorf("%s: %s", failedPath(operand, err), vfshell.Describe(err))
}

// failedPath prefers the sub-path a multi-node operation failed at.
func failedPath(operand string, err error) string {
	var pe *vfshell.PathError
	if errors.As(err, &pe) && pe.Path != "" && pe.Path != operand {
		return pe.Path
	}
	return operand
}

// Usagef reports a usage error and returns StatusUsage.
func (c *Call) Usagef(format string, args ...any) int {
	fmt.Fprintf(c.Stderr, "%s: %s\n", c.Name, fmt.Sprintf(format, args...))
	if c.builtin != nil && c.builtin.Usage != "" {
		fmt.Fprintf(c.Stderr, "Usage: %s\n", c.builtin.Usage)
	}
	return StatusUsage
}

// Flags returns a flag set for the built-in that writes errors to the
// call's standard error.
func (c *Call) Flags() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	return flagSet
}

// Parse parses the call's arguments with flagSet. It returns the
// remaining operands, or ok=false with the status to exit with.
func (c *Call) Parse(flagSet *pflag.FlagSet) (operands []string, status int, ok bool) {
	if err := flagSet.Parse(c.Args); err != nil {
		if err == pflag.ErrHelp {
			if c.builtin != nil {
				c.Printf("Usage: %s\n", c.builtin.Usage)
			}
			return nil, StatusOK, false
		}
		return nil, c.Usagef("%v", err), false
	}
	return flagSet.Args(), StatusOK, true
}

// input is one source of text for a filter command.
type input struct {
	name string
	data []byte
}

// Inputs reads each named file, or standard input when names is empty or
// an operand is "-". Files that cannot be read are reported and skipped;
// the returned status is StatusFailure if any were.
func (c *Call) Inputs(names []string) ([]input, int) {
	if len(names) == 0 {
		return []input{{name: "-", data: c.Stdin}}, StatusOK
	}
	status := StatusOK
	view := c.View()
	var out []input
	for _, name := range names {
		if name == "-" {
			out = append(out, input{name: name, data: c.Stdin})
			continue
		}
		data, err := view.ReadFile(name)
		if err != nil {
			status = c.Fail(name, err)
			continue
		}
		out = append(out, input{name: name, data: data})
	}
	return out, status
}

// splitLines splits text into lines without their terminators. A final
// newline does not produce an empty line.
func splitLines(data []byte) []string {
	s := string(data)
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
