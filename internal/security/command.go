package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
)

// Command screens subprocess launches (CWE-78). MCP servers are started
// from operator config; this is not a sandbox, it is a guard against a
// copy-pasted config entry pointing at something destructive.
type Command struct {
	blockedCommands []string
}

// NewCommand creates a validator with the default blocklist.
//
// Blocked executables are destructive or privilege-changing binaries no
// tool server has business being: rm, dd, mkfs, shutdown, sudo, and
// friends. Everything else passes; MCP servers are typically runtimes
// like npx, uvx, node, or python.
func NewCommand() *Command {
	return &Command{
		blockedCommands: []string{
			"rm", "rmdir", "dd", "mkfs", "fdisk", "parted", "shred",
			"shutdown", "reboot", "halt", "poweroff", "init",
			"sudo", "su", "doas",
			"kill", "killall", "pkill",
		},
	}
}

// Validate reports whether cmd and args are safe to hand to
// exec.Command.
//
// SECURITY NOTE: exec.Command does not pass arguments through a shell,
// so metacharacters ($, |, >, <) in args are literal and safe. The
// command name itself must be clean, and args are checked only for
// obviously malicious payloads.
func (v *Command) Validate(cmd string, args []string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("command cannot be empty")
	}

	if err := validateCommandName(cmd); err != nil {
		return fmt.Errorf("validating command name: %w", err)
	}

	// Match on the basename so /bin/rm and rm are the same answer.
	base := strings.ToLower(filepath.Base(strings.TrimSpace(cmd)))
	if slices.Contains(v.blockedCommands, base) {
		slog.Warn("blocked command",
			"command", cmd,
			"security_event", "blocked_command")
		return fmt.Errorf("command '%s' is blocked", cmd)
	}

	for i, arg := range args {
		if err := validateArgument(arg); err != nil {
			slog.Warn("dangerous argument detected",
				"command", cmd,
				"arg_index", i,
				"error", err,
				"security_event", "dangerous_argument")
			return fmt.Errorf("argument %d is unsafe: %w", i, err)
		}
	}

	return nil
}

// shellMetachars lists characters that indicate shell injection in a command name.
const shellMetachars = ";|&`\n><$()"

// validateCommandName checks for shell injection attempts in the command
// name itself.
func validateCommandName(cmd string) error {
	cmd = strings.TrimSpace(strings.ToLower(cmd))

	if i := strings.IndexAny(cmd, shellMetachars); i >= 0 {
		char := string(cmd[i])
		slog.Warn("command name contains shell metacharacter",
			"command", cmd,
			"character", char,
			"security_event", "shell_injection_in_command_name")
		return fmt.Errorf("command name contains shell metacharacter: %q", char)
	}

	return nil
}

// dangerousArgPatterns lists embedded command patterns that are dangerous
// even when passed as literal arguments.
var dangerousArgPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"mkfs",
	"dd if=/dev/zero",
	"dd if=/dev/urandom",
	"shutdown",
	"reboot",
	"sudo su",
}

// validateArgument checks one argument for obviously malicious content:
// embedded destructive commands, null bytes, and absurd lengths. Shell
// metacharacters are deliberately not flagged here; exec.Command treats
// them as literals.
func validateArgument(arg string) error {
	if strings.Contains(arg, "\x00") {
		return fmt.Errorf("argument contains null byte")
	}

	if len(arg) > 10000 {
		return fmt.Errorf("argument too long (%d bytes, max 10000)", len(arg))
	}

	argLower := strings.ToLower(arg)
	for _, pattern := range dangerousArgPatterns {
		if strings.Contains(argLower, pattern) {
			return fmt.Errorf("argument contains dangerous pattern: %s", pattern)
		}
	}

	return nil
}
