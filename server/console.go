package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/puyokura/dashchat/devserver"
)

// console is the operator prompt on stdin.
type console struct {
	srv *devserver.Server
	out io.Writer
}

// run reads commands until stop, EOF or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !c.handle(ctx, scanner.Text()) {
			return
		}
	}
}

// handle runs one command line and reports whether the console continues.
func (c *console) handle(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, "Available commands: register <user> <pass> [admin], kick <user>, broadcast <msg>, delete <id>, peers, stop")
	case "stop":
		fmt.Fprintln(c.out, "Stopping server...")
		return false
	case "register":
		c.register(args)
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <user>")
			return true
		}
		c.srv.Tokens().Revoke(args[0])
		c.srv.Hub().Kick(args[0])
		fmt.Fprintln(c.out, "User kicked.")
	case "broadcast":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			return true
		}
		if _, err := c.srv.Post(ctx, devserver.SystemSender, "[Admin] "+strings.Join(args, " ")); err != nil {
			fmt.Fprintln(c.out, "Error broadcasting:", err)
			return true
		}
		fmt.Fprintln(c.out, "Broadcast sent.")
	case "delete":
		c.delete(ctx, args)
	case "peers":
		fmt.Fprintf(c.out, "%d connected.\n", c.srv.Hub().Count())
	default:
		fmt.Fprintln(c.out, "Unknown command.")
	}
	return true
}

func (c *console) register(args []string) {
	if len(args) < 2 || len(args) > 3 || (len(args) == 3 && args[2] != devserver.RoleAdmin) {
		fmt.Fprintln(c.out, "Usage: register <user> <pass> [admin]")
		return
	}
	var roles []string
	if len(args) == 3 {
		roles = append(roles, devserver.RoleAdmin)
	}
	u, err := c.srv.Users().Register(args[0], args[1], roles...)
	if err != nil {
		fmt.Fprintln(c.out, "Registration failed:", err)
		return
	}
	fmt.Fprintf(c.out, "Registered %s (id %d).\n", u.Username, u.ID)
}

func (c *console) delete(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: delete <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintln(c.out, "Invalid message id.")
		return
	}
	switch err := c.srv.Remove(ctx, id); {
	case errors.Is(err, devserver.ErrMessageNotFound):
		fmt.Fprintln(c.out, "Message not found.")
	case err != nil:
		fmt.Fprintln(c.out, "Error deleting:", err)
	default:
		fmt.Fprintln(c.out, "Message deleted.")
	}
}
