package shell

import (
	"fmt"
	"strings"
)

// CommandValidator decides whether a command may run. The reason is shown
// to the user when it may not.
type CommandValidator interface {
	IsCommandAllowed(command string, args []string) (bool, string)
}

// BlocklistValidator rejects commands by name and refuses recursive
// removal of the root directory.
type BlocklistValidator struct {
	blockedCommands map[string]bool
}

// NewBlocklistValidator creates a validator blocking the named commands.
func NewBlocklistValidator(commands ...string) *BlocklistValidator {
	f := &BlocklistValidator{blockedCommands: make(map[string]bool, len(commands))}
	f.Block(commands...)
	return f
}

// NewDangerousCommandFilter creates a validator with the default set of
// commands that make no sense inside the simulator.
func NewDangerousCommandFilter() *BlocklistValidator {
	return NewBlocklistValidator(
		"mkfs", "mkfs.ext4", "mkfs.ntfs", "format",
		"dd", "shutdown", "reboot", "halt", "poweroff",
	)
}

// Block adds commands to the blocklist.
func (f *BlocklistValidator) Block(commands ...string) {
	for _, c := range commands {
		f.blockedCommands[strings.ToLower(strings.TrimSpace(c))] = true
	}
}

// IsCommandAllowed checks if a command is allowed
func (f *BlocklistValidator) IsCommandAllowed(command string, args []string) (bool, string) {
	cmdLower := strings.ToLower(strings.TrimSpace(command))
	if f.blockedCommands[cmdLower] {
		return false, fmt.Sprintf("command '%s' is blocked", command)
	}

	if cmdLower == "rm" {
		recursive := false
		for _, arg := range args {
			if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.ContainsAny(arg, "rR") {
				recursive = true
			}
			if arg == "--recursive" {
				recursive = true
			}
		}
		if recursive {
			for _, arg := range args {
				if strings.Trim(arg, "/") == "" && strings.HasPrefix(arg, "/") {
					return false, "recursive delete of / is blocked"
				}
			}
		}
	}
	return true, ""
}
