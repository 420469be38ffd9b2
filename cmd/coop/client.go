package main

import (
	"fmt"
	"net"

	"github.com/ehrlich-b/coop/internal/daemon"
	"github.com/ehrlich-b/coop/internal/ipc"
)

// dial connects to the daemon, auto-spawning it if necessary, and completes
// the version handshake (§6).
func dial() (*net.UnixConn, error) {
	conn, err := daemon.DialOrSpawn(stateDir())
	if err != nil {
		return nil, err
	}
	if err := ipc.WriteJSON(conn, ipc.Handshake{Version: ipc.ProtocolVersion}); err != nil {
		conn.Close()
		return nil, err
	}
	var reply ipc.HandshakeReply
	if err := ipc.ReadJSON(conn, &reply); err != nil {
		conn.Close()
		return nil, err
	}
	if !reply.OK {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %s", reply.Error)
	}
	return conn, nil
}

// call sends one command and reads the matching reply, for request/reply
// commands that don't upgrade into stream mode.
func call(cmd ipc.Command) (ipc.Reply, error) {
	conn, err := dial()
	if err != nil {
		return ipc.Reply{}, err
	}
	defer conn.Close()

	if err := ipc.WriteJSON(conn, cmd); err != nil {
		return ipc.Reply{}, err
	}
	var reply ipc.Reply
	if err := ipc.ReadJSON(conn, &reply); err != nil {
		return ipc.Reply{}, err
	}
	if !reply.OK {
		return reply, fmt.Errorf("%s", reply.Error)
	}
	return reply, nil
}
