// Package command parses inbound lines and runs the chat commands. Lines that
// are not commands are routed to the sender's room.
package command

import (
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/broadcast"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/session"
)

// Prefix marks a line as a command.
const Prefix = "/"

const (
	replyUnknownCommand = "Unknown command. Type /help for available commands."
	replyJoinFirst      = "Join a room first using /join <room_name>"
)

// Env is the state every handler works on. All of it belongs to the event
// loop goroutine.
type Env struct {
	Sessions *session.Manager
	Rooms    *room.Registry
	Router   *broadcast.Router
	NameSize int
}

// Handler runs one command for sender with the text after the command name.
type Handler func(env *Env, sender *session.Session, args string)

// Command is one registry entry.
type Command struct {
	Name        string
	Description string
	Handler     Handler
}

// Dispatcher maps command names to handlers.
type Dispatcher struct {
	env      *Env
	commands map[string]*Command
	order    []*Command
	log      zerolog.Logger
}

// NewDispatcher returns a dispatcher with the built-in commands registered.
func NewDispatcher(env *Env, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		env:      env,
		commands: make(map[string]*Command),
		log:      log,
	}
	d.registerBuiltins()
	return d
}

// Register adds cmd, replacing any command with the same name.
func (d *Dispatcher) Register(cmd *Command) {
	key := strings.ToLower(cmd.Name)
	if _, exists := d.commands[key]; !exists {
		d.order = append(d.order, cmd)
	} else {
		for i, c := range d.order {
			if strings.EqualFold(c.Name, cmd.Name) {
				d.order[i] = cmd
			}
		}
	}
	d.commands[key] = cmd
}

// Commands returns the registered commands in registration order.
func (d *Dispatcher) Commands() []*Command {
	return append([]*Command(nil), d.order...)
}

// Lookup finds a command by name, ignoring case.
func (d *Dispatcher) Lookup(name string) *Command {
	return d.commands[strings.ToLower(name)]
}

// Parse splits line into a command name and the remainder. A line is a
// command iff it starts with Prefix.
func Parse(line string) (isCommand bool, name, remainder string) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, Prefix) {
		return false, "", line
	}
	head, rest := splitFirst(line)
	return true, strings.TrimPrefix(head, Prefix), rest
}

// Dispatch handles one inbound line from sender. Interior control
// characters become spaces, so no argument can carry a line break.
func (d *Dispatcher) Dispatch(sender *session.Session, line string) {
	line = session.StripControl(strings.TrimRight(line, "\r\n"))
	isCommand, name, rest := Parse(line)
	if !isCommand {
		d.chat(sender, rest)
		return
	}

	cmd := d.Lookup(name)
	if cmd == nil {
		d.log.Debug().Str("user", sender.Name).Str("command", name).Msg("unknown command")
		d.env.Router.SendDirect(sender, replyUnknownCommand)
		return
	}

	d.log.Debug().Str("user", sender.Name).Str("command", cmd.Name).Msg("command")
	cmd.Handler(d.env, sender, rest)
}

func (d *Dispatcher) chat(sender *session.Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if !sender.InRoom() {
		d.env.Router.SendDirect(sender, replyJoinFirst)
		return
	}
	d.env.Router.SendRoom(sender.Room, sender, text)
}

// splitFirst returns the first whitespace-delimited token of s and the rest
// of s with surrounding whitespace removed.
func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}
