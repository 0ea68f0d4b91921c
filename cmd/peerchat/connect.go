package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/peerchat"
	"github.com/creachadair/peerchat/catalog"
	"github.com/creachadair/peerchat/client"
	"github.com/creachadair/peerchat/config"
	"github.com/creachadair/peerchat/transfer"
	"github.com/creachadair/peerchat/wire"
	"github.com/creachadair/taskgroup"
)

var connectFlags struct {
	Config string        `flag:"config,Configuration file path"`
	User   string        `flag:"user,Continue the session of this user ID"`
	Name   string        `flag:"name,default=anonymous,Display name for a new account"`
	Dir    string        `flag:"dir,default=.,Directory for downloaded attachments"`
	Wait   time.Duration `flag:"wait,default=10s,How long to wait for the server during setup"`
}

func runConnect(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected a server address")
	}
	cfg, err := config.Load(connectFlags.Config)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}

	cat := catalog.New().SetLogger(log)
	gone := make(chan error, 1)
	c := client.New(env.Args[0], &client.Options{
		Catalog:        cat,
		Logger:         log,
		DialTimeout:    connectFlags.Wait,
		OnDisconnected: func(err error) { gone <- err },
	})
	con := newConsole(os.Stdout, c, connectFlags.Dir)
	opts := con.agentOptions()
	opts.Logger = log
	con.agent = transfer.NewAgent(transfer.NewLibrary(), transfer.NewDownloads(cfg.TransferOptions()), c, opts)
	con.register(cat)
	con.agent.Register(cat)
	cat.Freeze()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Wait()
	defer c.Disconnect()

	if err := login(con, c); err != nil {
		return err
	}
	fmt.Printf("session started for %s\n", con.me)

	g := taskgroup.New(nil)
	g.Go(func() error { return con.agent.Run(ctx) })
	defer g.Wait()
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case err := <-gone:
			if err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			fmt.Println("server closed the connection")
			return nil
		case line, ok := <-lines:
			if !ok {
				return c.Send(wire.Empty(wire.IDCloseSessionRequest))
			}
			if err := con.exec(line); errors.Is(err, errQuit) {
				return nil
			} else if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

// login starts a session on c, creating a new account first unless the user
// flag names an existing one.
func login(con *console, c *client.Client) error {
	await := func(ch <-chan struct{}, what string) error {
		select {
		case <-ch:
			return nil
		case <-time.After(connectFlags.Wait):
			return fmt.Errorf("timed out waiting for %s", what)
		}
	}
	if connectFlags.User != "" {
		u, err := peerchat.ParseUserID(connectFlags.User)
		if err != nil {
			return fmt.Errorf("invalid user: %w", err)
		}
		con.me = u
	} else {
		if err := c.Send(wire.Empty(wire.IDAccountRequest)); err != nil {
			return err
		}
		select {
		case con.me = <-con.accounts:
		case <-time.After(connectFlags.Wait):
			return errors.New("timed out waiting for an account")
		}
		if err := c.Send(wire.Pack(wire.CreateSessionRequest{User: con.me, Name: connectFlags.Name})); err != nil {
			return err
		}
		if err := await(con.created, "account creation"); err != nil {
			return err
		}
		fmt.Printf("created account %s; use --user=%s to reconnect\n", con.me, con.me)
	}
	if err := c.Send(wire.Pack(wire.ContinueSessionRequest{User: con.me})); err != nil {
		return err
	}
	return await(con.started, "the session to start")
}
