package remote

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// Command is an argument vector rendered into a single remote shell line.
// Shell operators pass through unquoted; every other token is quoted.
type Command []string

var operators = map[string]struct{}{
	"|":    {},
	"||":   {},
	"&&":   {},
	";":    {},
	">":    {},
	">>":   {},
	"2>&1": {},
}

// Cmd builds a Command from its arguments.
func Cmd(args ...string) Command {
	return Command(args)
}

// String renders the command as a shell line.
func (c Command) String() string {
	var b strings.Builder
	for i, arg := range c {
		if i > 0 {
			b.WriteByte(' ')
		}
		if _, ok := operators[arg]; ok {
			b.WriteString(arg)
			continue
		}
		b.WriteString(shellquote.Join(arg))
	}
	return b.String()
}

// Empty reports whether the command has no arguments.
func (c Command) Empty() bool {
	return len(c) == 0
}

// AppendTo redirects stdout of the command to the end of path.
func (c Command) AppendTo(path string) Command {
	return append(c.clone(), ">>", path)
}

// WriteTo redirects stdout of the command into path, truncating it.
func (c Command) WriteTo(path string) Command {
	return append(c.clone(), ">", path)
}

// Quiet discards stdout and stderr.
func (c Command) Quiet() Command {
	return append(c.clone(), ">", "/dev/null", "2>&1")
}

func (c Command) clone() Command {
	out := make(Command, len(c), len(c)+4)
	copy(out, c)
	return out
}

// Combine joins commands with &&.
func Combine(cmds ...Command) Command {
	return join("&&", cmds)
}

// Chain joins commands with ;.
func Chain(cmds ...Command) Command {
	return join(";", cmds)
}

// Any joins commands with ||.
func Any(cmds ...Command) Command {
	return join("||", cmds)
}

// Pipe joins commands with |.
func Pipe(cmds ...Command) Command {
	return join("|", cmds)
}

func join(op string, cmds []Command) Command {
	var out Command
	for _, cmd := range cmds {
		if cmd.Empty() {
			continue
		}
		if len(out) > 0 {
			out = append(out, op)
		}
		out = append(out, cmd...)
	}
	return out
}
