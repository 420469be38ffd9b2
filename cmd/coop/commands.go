package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/coop/internal/ipc"
)

func createCmd() *cobra.Command {
	var name, coopfile string
	var detach, debug bool
	cmd := &cobra.Command{
		Use:   "create [workspace]",
		Short: "Create a new sandboxed session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := "."
			if len(args) > 0 {
				workspace = args[0]
			}
			abs, err := filepath.Abs(workspace)
			if err != nil {
				return err
			}
			reply, err := call(ipc.Command{
				Cmd:       "create",
				Workspace: abs,
				Name:      name,
				Coopfile:  coopfile,
				Detach:    detach,
				Debug:     debug,
			})
			if err != nil {
				return fmt.Errorf("create: %w", err)
			}
			fmt.Printf("created session %q (pid %d)\n", reply.Session, reply.PID)
			if !detach {
				return attachSession(reply.Session, 0)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (default: the workspace directory's name)")
	cmd.Flags().StringVar(&coopfile, "coopfile", "", "path to the workspace's coopfile (default: <workspace>/coopfile.yaml)")
	cmd.Flags().BoolVar(&detach, "detach", false, "create without attaching")
	cmd.Flags().BoolVar(&debug, "debug", false, "dump raw PTY 0 bytes to <state>/sessions/<name>/debug.bin for troubleshooting")
	return cmd
}

func attachCmd() *cobra.Command {
	var pty int
	cmd := &cobra.Command{
		Use:   "attach <session>",
		Short: "Attach to a session's agent PTY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachSession(args[0], pty)
		},
	}
	cmd.Flags().IntVar(&pty, "pty", 0, "PTY id to attach (default: 0, the agent)")
	return cmd
}

func shellCmd() *cobra.Command {
	var shellBin string
	cmd := &cobra.Command{
		Use:   "shell <session>",
		Short: "Open a new shell inside a session's sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shellSession(args[0], shellBin)
		},
	}
	cmd.Flags().StringVar(&shellBin, "command", "", "shell to run (default: /bin/sh)")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := call(ipc.Command{Cmd: "ls"})
			if err != nil {
				return err
			}
			if len(reply.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tWORKSPACE\tPTYS\tCLIENTS\tCREATED")
			for _, s := range reply.Sessions {
				created := time.Unix(s.Created, 0).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.Name, s.Workspace, len(s.PTYs), s.WebClients+s.LocalClients, created)
			}
			return w.Flush()
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(ipc.Command{Cmd: "kill", Session: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("killed %s\n", args[0])
			return nil
		},
	}
}

// registerTunnelCmd builds `serve`/`tunnel`: both just hold a registration
// connection open so the daemon's idle timer (§4.5) doesn't shut down while
// an external web/tunnel surface is active. Neither actually listens for
// HTTP/WebSocket/WebRTC traffic here — that server is an external
// collaborator (§1); this only keeps the daemon alive for it.
func registerTunnelCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := ipc.WriteJSON(conn, ipc.Command{Cmd: name}); err != nil {
				return err
			}
			var reply ipc.Reply
			if err := ipc.ReadJSON(conn, &reply); err != nil {
				return err
			}
			if !reply.OK {
				return fmt.Errorf("%s: %s", name, reply.Error)
			}
			fmt.Printf("%s registered, press Ctrl-C to stop\n", name)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return registerTunnelCmd("serve", "Register a web server against this daemon's idle timer")
}

func tunnelCmd() *cobra.Command {
	return registerTunnelCmd("tunnel", "Register a WebRTC tunnel against this daemon's idle timer")
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Shut down the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(ipc.Command{Cmd: "shutdown"})
			if err != nil {
				return err
			}
			fmt.Println("daemon shutting down")
			return nil
		},
	}
}
