// Command console is an interactive terminal front end. It builds the same
// components as the server and reads one request per line.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/app"
	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/engine"
	"github.com/oracle-garnett/oracle/internal/task"
	"github.com/oracle-garnett/oracle/pkg/config"
)

const help = `commands:
  login <name> <pin>   switch principal
  override [reason]    pause all actions
  resume               clear the pause (root only)
  status               show the override flag
  pending              list requests awaiting confirmation
  confirm <id>         grant and re-run a blocked request
  exit                 quit
anything else is sent as a request`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	initLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(1)
	}
	defer a.Close()

	go func() {
		if err := a.Run(ctx); err != nil {
			slog.Error("console: background workers stopped", slog.String("error", err.Error()))
		}
	}()

	c := &console{app: a, out: os.Stdout}
	if err := c.loop(ctx, os.Stdin); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type console struct {
	app *app.App
	out io.Writer
	me  *auth.Principal
}

func (c *console) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.out, "%s is listening. Type 'help' for commands.\n", c.app.Config.Persona.Name)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if cmd := strings.ToLower(line); cmd == "exit" || cmd == "quit" {
			return nil
		}
		c.handle(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *console) handle(ctx context.Context, line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, help)
		return
	case "login":
		name, pin, _ := strings.Cut(rest, " ")
		p, err := c.app.Auth.Authenticate(name, strings.TrimSpace(pin))
		if err != nil {
			fmt.Fprintln(c.out, "login failed")
			return
		}
		c.me = &p
		fmt.Fprintf(c.out, "hello %s (%s)\n", p.Name, p.Role)
		return
	}

	if c.me == nil {
		fmt.Fprintln(c.out, "login first: login <name> <pin>")
		return
	}

	switch cmd {
	case "override":
		if rest == "" {
			rest = "manual override"
		}
		ack, err := c.app.Gate.Pause(*c.me, rest)
		if err != nil {
			fmt.Fprintln(c.out, "override refused:", err)
			return
		}
		fmt.Fprintf(c.out, "paused by %s (changed=%t)\n", ack.State.PausedBy, ack.Changed)
	case "resume":
		ack, err := c.app.Gate.Resume(*c.me)
		if err != nil {
			fmt.Fprintln(c.out, "resume refused:", err)
			return
		}
		fmt.Fprintf(c.out, "running (changed=%t)\n", ack.Changed)
	case "status":
		st := c.app.Gate.Snapshot()
		if st.Paused {
			fmt.Fprintf(c.out, "paused by %s: %s\n", st.PausedBy, st.Reason)
		} else {
			fmt.Fprintln(c.out, "running")
		}
	case "pending":
		list := c.app.Executor.Pending(c.me.Name)
		if len(list) == 0 {
			fmt.Fprintln(c.out, "nothing pending")
		}
		for _, p := range list {
			fmt.Fprintf(c.out, "%s  %s  %s: %s\n", p.RequestID, p.Principal, p.Capability, p.Text)
		}
	case "confirm":
		id, err := uuid.Parse(rest)
		if err != nil {
			fmt.Fprintln(c.out, "usage: confirm <request id>")
			return
		}
		_, reply, err := c.app.Executor.Confirm(ctx, *c.me, id)
		switch {
		case errors.Is(err, engine.ErrNoPending):
			fmt.Fprintln(c.out, "no such pending request")
		case errors.Is(err, engine.ErrForbidden):
			fmt.Fprintln(c.out, "you may not confirm that request")
		case err != nil:
			fmt.Fprintln(c.out, "confirm failed:", err)
		default:
			c.print(reply)
		}
	default:
		_, reply, err := c.app.Executor.Submit(ctx, *c.me, line)
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			return
		}
		c.print(reply)
	}
}

func (c *console) print(r engine.Reply) {
	fmt.Fprintln(c.out, r.Text)
	if r.Artifact != "" {
		fmt.Fprintln(c.out, "  ->", r.Artifact)
	}
	if r.State == task.StateBlocked && strings.HasPrefix(r.Text, "Needs your confirmation") {
		fmt.Fprintf(c.out, "  (confirm %s)\n", r.RequestID)
	}
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	default:
		logLevel = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
