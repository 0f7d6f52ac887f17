package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/session"
)

// Size of the "[PM from ...]: " decoration reserved when budgeting private
// message text, on top of the name allowance.
const pmHeaderSize = 32

func (d *Dispatcher) registerBuiltins() {
	d.Register(&Command{Name: "help", Description: "Show available commands", Handler: d.handleHelp})
	d.Register(&Command{Name: "list", Description: "List all connected users", Handler: handleList})
	d.Register(&Command{Name: "whois", Description: "Show information about a user", Handler: handleWhois})
	d.Register(&Command{Name: "nick", Description: "Change your nickname", Handler: handleNick})
	d.Register(&Command{Name: "msg", Description: "Send private message: /msg <user> <message>", Handler: handleMsg})
	d.Register(&Command{Name: "create", Description: "Create a new chat room: /create <room_name>", Handler: handleCreate})
	d.Register(&Command{Name: "join", Description: "Join a chat room: /join <room_name>", Handler: handleJoin})
	d.Register(&Command{Name: "leave", Description: "Leave current chat room", Handler: handleLeave})
	d.Register(&Command{Name: "rooms", Description: "List all available chat rooms", Handler: handleRooms})
}

func (d *Dispatcher) handleHelp(env *Env, sender *session.Session, _ string) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range d.order {
		fmt.Fprintf(&b, "%s%s - %s\n", Prefix, cmd.Name, cmd.Description)
	}
	env.Router.SendDirect(sender, b.String())
}

func handleList(env *Env, sender *session.Session, _ string) {
	live := env.Sessions.Live()

	var b strings.Builder
	b.WriteString("Connected users:\n")
	for _, s := range live {
		fmt.Fprintf(&b, "- %s\n", s.Name)
	}
	fmt.Fprintf(&b, "\nTotal users: %d", len(live))
	env.Router.SendDirect(sender, b.String())
}

func handleWhois(env *Env, sender *session.Session, args string) {
	if args == "" {
		env.Router.SendDirect(sender, "Usage: /whois <username>")
		return
	}

	target := env.Sessions.FindByName(args)
	if target == nil {
		env.Router.SendDirect(sender, "User not found.")
		return
	}
	env.Router.SendDirect(sender, fmt.Sprintf("User: %s\nConnection ID: %d", target.Name, target.Slot))
}

func handleNick(env *Env, sender *session.Session, args string) {
	if args == "" {
		env.Router.SendDirect(sender, "Usage: /nick <new_nickname>")
		return
	}
	if env.Sessions.SanitizeName(args) == sender.Name {
		env.Router.SendDirect(sender, "That is already your nickname.")
		return
	}

	old, err := env.Sessions.Rename(sender, args)
	switch {
	case errors.Is(err, session.ErrNameTaken):
		env.Router.SendDirect(sender, "This nickname is already taken.")
		return
	case errors.Is(err, session.ErrBlankName):
		env.Router.SendDirect(sender, "Usage: /nick <new_nickname>")
		return
	}

	env.Router.SendSystem(fmt.Sprintf("%s has changed their name to %s", old, sender.Name))
}

func handleMsg(env *Env, sender *session.Session, args string) {
	targetName, text := splitFirst(args)
	if targetName == "" || text == "" {
		env.Router.SendDirect(sender, "Usage: /msg <username> <message>")
		return
	}

	target := env.Sessions.FindByName(targetName)
	if target == nil {
		env.Router.SendDirect(sender, "User not found.")
		return
	}

	text = session.Truncate(text, pmBudget(env))
	env.Router.SendDirect(target, fmt.Sprintf("[PM from %s]: %s", sender.Name, text))
	env.Router.SendDirect(sender, fmt.Sprintf("[PM to %s]: %s", target.Name, text))
}

// pmBudget is the number of text bytes a private message may carry: the
// frame minus the decoration allowance, one maximum-length name, and the
// timestamp brackets.
func pmBudget(env *Env) int {
	budget := env.Router.FrameSize() - pmHeaderSize - env.NameSize - 5
	if budget < 1 {
		budget = 1
	}
	return budget
}

func handleCreate(env *Env, sender *session.Session, args string) {
	if args == "" {
		env.Router.SendDirect(sender, "Usage: /create <room_name>")
		return
	}

	created, err := env.Rooms.Create(args)
	switch {
	case errors.Is(err, room.ErrBlankName):
		env.Router.SendDirect(sender, "Usage: /create <room_name>")
		return
	case errors.Is(err, room.ErrExists):
		env.Router.SendDirect(sender, "Room already exists.")
		return
	case errors.Is(err, room.ErrFull):
		env.Router.SendDirect(sender, "Maximum number of rooms reached.")
		return
	}

	if _, err := env.Rooms.Join(sender, created.Name); err != nil {
		env.Router.SendDirect(sender, "Could not join room: "+created.Name)
	}
}

func handleJoin(env *Env, sender *session.Session, args string) {
	if args == "" {
		env.Router.SendDirect(sender, "Usage: /join <room_name>")
		return
	}

	target, err := env.Rooms.Join(sender, args)
	switch {
	case errors.Is(err, room.ErrBlankName):
		env.Router.SendDirect(sender, "Usage: /join <room_name>")
	case errors.Is(err, room.ErrNotFound):
		env.Router.SendDirect(sender, "Room not found.")
	case errors.Is(err, room.ErrAlreadyMember):
		env.Router.SendDirect(sender, "You are already in room: "+target.Name)
	}
}

func handleLeave(env *Env, sender *session.Session, _ string) {
	if _, err := env.Rooms.Leave(sender, true); errors.Is(err, room.ErrNotInRoom) {
		env.Router.SendDirect(sender, "You are not in any room.")
	}
}

func handleRooms(env *Env, sender *session.Session, _ string) {
	var b strings.Builder
	b.WriteString("Available rooms:\n")
	for _, rm := range env.Rooms.List() {
		marker := ""
		if rm.Default {
			marker = " [Default]"
		}
		fmt.Fprintf(&b, "- %s (%d users)%s\n", rm.Name, rm.Members, marker)
	}
	env.Router.SendDirect(sender, b.String())
}
