// Package ptyclass decides whether a command should get a pseudo-terminal
// when the caller did not ask for one either way.
//
// The answer only picks a default. Unclassified programs still run, just
// without a PTY.
package ptyclass

import (
	"path"
	"slices"
	"strings"
)

// KnownInteractive lists full-screen and interactive programs that need a
// terminal to be usable.
var KnownInteractive = []string{
	// editors
	"vim", "vi", "nvim", "neovim", "nano", "emacs", "micro", "hx",
	// pagers
	"less", "more", "most",
	// monitors
	"top", "htop", "btop", "glances", "watch",
	// network clients
	"telnet", "ftp", "sftp", "mosh",
	// agent CLIs
	"claude", "codex", "gemini", "aider",
	// multiplexers
	"tmux", "screen", "zellij",
	// git and file tools
	"fzf", "lazygit", "gitui", "tig", "ranger", "yazi", "nnn", "mc",
	// cluster and system TUIs
	"k9s", "nmtui",
	// interactive interpreters and database shells
	"ipython", "bpython", "sqlite3", "psql", "mysql", "redis-cli", "mongosh",
}

// repls start an interactive session only when given no script argument.
var repls = []string{"python", "python3", "node", "irb", "ruby", "lua", "ghci", "R", "bash", "sh", "zsh", "fish"}

// wrappers run another command; the classifier looks through them. The
// value is the number of positional arguments the wrapper consumes itself
// before the wrapped command (timeout's duration).
var wrappers = map[string]int{
	"sudo":    0,
	"doas":    0,
	"env":     0,
	"nice":    0,
	"nohup":   0,
	"time":    0,
	"command": 0,
	"exec":    0,
	"stdbuf":  0,
	"timeout": 1,
}

// wrapperValueFlags are wrapper options whose value is the next word.
var wrapperValueFlags = map[string][]string{
	"sudo":    {"-u", "-g", "-C", "-D", "-h", "-p"},
	"doas":    {"-u", "-C"},
	"nice":    {"-n"},
	"timeout": {"-s", "-k", "--signal", "--kill-after"},
	"env":     {"-u", "-C", "--unset", "--chdir"},
}

// Table is a classifier. The zero value has no known programs; use
// Default for the built-in table.
type Table struct {
	Interactive []string
}

// Default returns the built-in table.
func Default() *Table {
	return &Table{Interactive: slices.Clone(KnownInteractive)}
}

// NeedsPTY classifies cmd with the default table.
func NeedsPTY(cmd string) bool {
	return Default().NeedsPTY(cmd)
}

// NeedsPTY reports whether cmd should default to PTY allocation.
// Commands containing top-level pipes, redirections, lists or
// substitutions never do: their output is being consumed by something
// other than a terminal.
func (t *Table) NeedsPTY(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || HasShellOperators(cmd) {
		return false
	}

	tokens, ok := Split(cmd)
	if !ok || len(tokens) == 0 {
		return false
	}
	tokens = peelWrappers(tokens)
	if len(tokens) == 0 {
		return false
	}

	program := path.Base(tokens[0])
	args := tokens[1:]

	if program == "ssh" {
		return sshWantsPTY(args)
	}
	if slices.Contains(repls, program) {
		return replWantsPTY(args)
	}
	if program == "git" {
		return gitWantsPTY(args)
	}
	if program == "docker" || program == "podman" || program == "kubectl" {
		return containerWantsPTY(args)
	}
	return slices.Contains(t.Interactive, program)
}

func peelWrappers(tokens []string) []string {
	for len(tokens) > 0 {
		name := path.Base(tokens[0])
		consume, ok := wrappers[name]
		if !ok {
			return tokens
		}
		tokens = tokens[1:]
	flags:
		for len(tokens) > 0 {
			tok := tokens[0]
			switch {
			case slices.Contains(wrapperValueFlags[name], tok):
				tokens = tokens[min(2, len(tokens)):]
			case strings.HasPrefix(tok, "-"):
				tokens = tokens[1:]
			case name == "env" && strings.Contains(tok, "="):
				tokens = tokens[1:]
			default:
				break flags
			}
		}
		for i := 0; i < consume && len(tokens) > 0; i++ {
			tokens = tokens[1:]
		}
	}
	return tokens
}

// sshWantsPTY follows ssh's own rules: a bare login gets a terminal, -t
// forces one, -T, -N, -W and a remote command suppress it.
func sshWantsPTY(args []string) bool {
	if len(args) == 0 {
		return true
	}
	forced := false
	positional := 0
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-t" || a == "-tt":
			forced = true
		case a == "-T":
			return false
		case a == "-N" || a == "-W" || a == "-O":
			if !forced {
				return false
			}
		case strings.EqualFold(a, "-oBatchMode=yes"):
			return false
		case a == "-o" && i+1 < len(args):
			opt := strings.ToLower(args[i+1])
			i++
			switch opt {
			case "batchmode=yes", "requesttty=no":
				return false
			case "requesttty=yes", "requesttty=force":
				forced = true
			}
		case takesValue(a):
			i++
		case strings.HasPrefix(a, "-"):
		default:
			positional++
		}
	}
	if forced {
		return true
	}
	// host only: interactive login; host plus command: remote exec
	return positional <= 1
}

// takesValue reports ssh flags whose value is the next argument.
func takesValue(flag string) bool {
	switch flag {
	case "-p", "-i", "-l", "-F", "-J", "-L", "-R", "-D", "-b", "-c", "-e", "-m", "-S", "-E", "-Q", "-w", "-B", "-I":
		return true
	}
	return false
}

func replWantsPTY(args []string) bool {
	for _, a := range args {
		if a == "-i" {
			return true
		}
	}
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			// a script or file argument: batch run
			return false
		}
		if a == "-c" || a == "-e" || a == "-m" {
			return false
		}
	}
	return true
}

func gitWantsPTY(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "add", "checkout", "reset", "restore", "stash":
		return slices.Contains(args, "-p") || slices.Contains(args, "--patch") || slices.Contains(args, "-i")
	case "rebase":
		return slices.Contains(args, "-i") || slices.Contains(args, "--interactive")
	case "commit":
		// no message means an editor opens
		for _, a := range args {
			if a == "-m" || strings.HasPrefix(a, "--message") || a == "-F" || a == "--no-edit" || strings.HasPrefix(a, "-m") {
				return false
			}
		}
		return true
	}
	return false
}

func containerWantsPTY(args []string) bool {
	for _, a := range args {
		if a == "-it" || a == "-ti" || a == "-t" || a == "--tty" {
			return true
		}
	}
	return false
}

// HasShellOperators reports whether cmd contains a pipe, redirection,
// command list, background operator or command substitution outside of
// quotes.
func HasShellOperators(cmd string) bool {
	inSingle, inDouble, escape := false, false, false
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if escape {
			escape = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escape = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle:
		case c == '`':
			return true
		case c == '$' && i+1 < len(cmd) && cmd[i+1] == '(':
			return true
		case inDouble:
		case c == '|' || c == '&' || c == ';' || c == '>' || c == '<':
			return true
		}
	}
	return false
}

// Split breaks cmd into words the way a POSIX shell would for simple
// commands: single quotes are literal, double quotes allow backslash
// escapes, unquoted backslashes escape the next byte. ok is false for
// unterminated quotes.
func Split(cmd string) (words []string, ok bool) {
	var cur strings.Builder
	inWord, inSingle, inDouble := false, false, false

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			switch {
			case c == '"':
				inDouble = false
			case c == '\\' && i+1 < len(cmd) && strings.IndexByte("\"\\$`", cmd[i+1]) >= 0:
				i++
				cur.WriteByte(cmd[i])
			default:
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle, inWord = true, true
		case c == '"':
			inDouble, inWord = true, true
		case c == '\\':
			if i+1 < len(cmd) {
				i++
				cur.WriteByte(cmd[i])
				inWord = true
			}
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inSingle || inDouble {
		return nil, false
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, true
}
