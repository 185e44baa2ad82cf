package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gonzalop/ftpengine"
	"github.com/gonzalop/ftpengine/listing"
)

// client is the notification consumer for one engine.
type client struct {
	engine   *ftpengine.Engine
	logger   *slog.Logger
	out      io.Writer
	onExists ftpengine.Action
}

// run waits for the command that returned reply to finish. Canceling ctx
// cancels the command and still waits for its completion.
func (c *client) run(ctx context.Context, reply ftpengine.Reply) error {
	if reply != ftpengine.ReplyWouldBlock {
		c.drain()
		return reply.Err()
	}

	done := ctx.Done()
	for {
		for n, ok := c.engine.TakeNext(); ok; n, ok = c.engine.TakeNext() {
			if oc, finished := c.handle(n); finished {
				return oc.Reply.Err()
			}
		}

		select {
		case <-c.engine.Ready():
		case <-c.engine.Done():
			return ftpengine.ReplyInternalError.Err()
		case <-done:
			c.logger.Info("canceling", "reason", ctx.Err())
			c.engine.Cancel()
			done = nil
		}
	}
}

// drain handles notifications produced by a command that finished inline.
func (c *client) drain() {
	for n, ok := c.engine.TakeNext(); ok; n, ok = c.engine.TakeNext() {
		c.handle(n)
	}
}

func (c *client) handle(n ftpengine.Notification) (ftpengine.OperationComplete, bool) {
	switch n := n.(type) {
	case ftpengine.OperationComplete:
		c.logger.Debug("operation complete", "command", n.Command, "reply", n.Reply)
		return n, true
	case ftpengine.DirectoryListingReady:
		printListing(c.out, n.Listing)
		n.Listing.Release()
	case ftpengine.AsyncRequestNotification:
		if req, ok := n.Request.(ftpengine.FileExistsRequest); ok {
			c.logger.Info("target exists", "local", req.LocalFile, "remote", req.RemoteFile, "action", c.onExists)
		}
		c.engine.SubmitAsyncReply(ftpengine.AsyncReply{Token: n.Token, Action: c.onExists})
	case ftpengine.ActiveStatus:
		c.logger.Debug("data flowing", "direction", n.Direction)
	}
	return ftpengine.OperationComplete{}, false
}

func printListing(w io.Writer, l *listing.Listing) {
	for _, e := range l.All() {
		perms := e.Permissions
		if perms == "" {
			perms = "-"
			if e.Dir {
				perms = "d"
			}
		}

		when := "-"
		switch {
		case e.HasTime():
			when = e.Time.Format("2006-01-02 15:04")
		case e.HasDate():
			when = e.Time.Format("2006-01-02")
		}

		size := "-"
		if e.Size >= 0 && !e.Dir {
			size = fmt.Sprint(e.Size)
		}

		name := e.Name
		if e.Link && e.Target != "" {
			name += " -> " + e.Target
		}
		fmt.Fprintf(w, "%-10s %12s %-16s %s\n", perms, size, when, name)
	}
}

// parseAction maps an --on-exists value to an Action.
func parseAction(s string) (ftpengine.Action, error) {
	switch strings.ToLower(s) {
	case "overwrite", "":
		return ftpengine.ActionOverwrite, nil
	case "resume":
		return ftpengine.ActionResume, nil
	case "skip":
		return ftpengine.ActionSkip, nil
	default:
		return 0, fmt.Errorf("invalid --on-exists value %q (want overwrite, resume or skip)", s)
	}
}
