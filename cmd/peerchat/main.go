// Program peerchat runs a peerchat relay server, an interactive chat client,
// and utilities for constructing and inspecting peerchat packets.
package main

import (
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and talk to peerchat relay servers.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[flags]",
				Help: `Run a relay server.

Settings are read from the configuration file named by --config, if any, and
then overridden by flags. The server runs until it receives SIGINT or SIGTERM,
at which point it disconnects all clients and saves the directory.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "connect",
				Usage: "[flags] <address>",
				Help: `Connect to a relay server as an interactive client.

The address is host:port for TCP, or a ws:// or wss:// URL for WebSocket.
Without --user, connect creates a new account named by --name. Once the
session starts, each line of input is a command:

  /friends                  list friends and their presence
  /content                  fetch the content bundle
  /add <user>               send a friend request
  /accept <user>            accept a friend request
  /remove <user>            remove a friend
  /name <name>              change your display name
  /avatar <n>               change your avatar
  /msg <user> <text>        send a message
  /gif <user> <url>         send a GIF
  /send <user> <path>       offer a file
  /get <user> <attachment>  download an offered file
  /delete                   delete your account and disconnect
  /quit                     close the session and disconnect`,
				SetFlags: command.Flags(flax.MustBind, &connectFlags),
				Run:      runConnect,
			},
			{
				Name:  "frame",
				Usage: "<packet> [<pattern> <argument>...]",
				Help:  frameHelp,
				Run:   runFrame,
			},
			{
				Name:  "decode",
				Usage: "[<file>]",
				Help: `Decode framed packets and print their contents.

Packets are read from the named file, or from stdin if none is given, until
the input is exhausted.`,
				Run: runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
