// Package bridge drives one attached client connection once it has
// upgraded into stream mode (§4.7 Client Bridge): a pump reading tagged
// frames off the PTY's broadcast fan-out to the client, and a pump reading
// tagged frames from the client into the PTY, routing through the Input
// Filter when the attachment is untrusted.
package bridge

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/coop/internal/inputfilter"
	"github.com/ehrlich-b/coop/internal/ipc"
	"github.com/ehrlich-b/coop/internal/logger"
	"github.com/ehrlich-b/coop/internal/ptyengine"
)

// conn is the minimal surface RunBridge needs from the client connection —
// satisfied by *net.UnixConn and, for tests, anything wrapping an
// io.ReadWriter with tagged-frame framing.
type conn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}

// RunBridge blocks until the client detaches, the connection drops, or ctx
// is cancelled. attachmentID scopes this attachment's resize contribution
// and input-filter state.
func RunBridge(ctx context.Context, c conn, pty *ptyengine.PTY, attachmentID string, cols, rows int, trusted bool) {
	pty.Resize(attachmentID, cols, rows)
	defer pty.DetachSize(attachmentID)

	snapshot, sub := pty.Subscribe()
	defer pty.Unsubscribe(sub)

	if len(snapshot) > 0 {
		if err := ipc.WriteDataFrame(c, snapshot); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var filter *inputfilter.Filter
	if !trusted {
		filter = inputfilter.New(inputfilter.DefaultBlocked, 2000, 4000, func(e inputfilter.Event) {
			if len(e.Forward) > 0 {
				pty.Write(e.Forward)
			}
			if e.Warning != "" {
				ipc.WriteControlFrame(c, ipc.StreamControl{Event: "warning", Error: e.Warning})
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return outPump(gctx, c, sub, cancel) })
	g.Go(func() error { return inPump(gctx, c, pty, attachmentID, filter, cancel) })
	g.Wait()
}

func outPump(ctx context.Context, c conn, sub *ptyengine.Subscriber, cancel context.CancelFunc) error {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.C():
			if !ok {
				return nil
			}
			if frame.Lag {
				if err := ipc.WriteControlFrame(c, ipc.EventLag(frame.Dropped)); err != nil {
					return err
				}
			}
			switch frame.Event {
			case "pty_exited":
				if err := ipc.WriteControlFrame(c, ipc.EventPTYExited(frame.Code)); err != nil {
					return err
				}
			case "pty_restarting":
				if err := ipc.WriteControlFrame(c, ipc.EventPTYRestarting(frame.DelayMS)); err != nil {
					return err
				}
			}
			if len(frame.Data) > 0 {
				if err := ipc.WriteDataFrame(c, frame.Data); err != nil {
					return err
				}
			}
		}
	}
}

func inPump(ctx context.Context, c conn, pty *ptyengine.PTY, attachmentID string, filter *inputfilter.Filter, cancel context.CancelFunc) error {
	defer cancel()
	for {
		frame, err := ipc.ReadTaggedFrame(c)
		if err != nil {
			return nil
		}
		switch frame.Tag {
		case ipc.TagData:
			if filter != nil {
				filter.Process(frame.Payload)
			} else if err := pty.Write(frame.Payload); err != nil {
				logger.Warn("pty write failed", "pty", pty.ID, "err", err)
				return nil
			}
		case ipc.TagControl:
			var ctrl ipc.StreamControl
			if err := ipc.DecodeControl(frame.Payload, &ctrl); err != nil {
				continue
			}
			switch ctrl.Cmd {
			case "resize":
				pty.Resize(attachmentID, ctrl.Cols, ctrl.Rows)
			case "detach":
				ipc.WriteControlFrame(c, ipc.EventDetached())
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
