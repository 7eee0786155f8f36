package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/marmos91/imgpull/pkg/mbr"
	"github.com/marmos91/imgpull/pkg/transfer"
)

// download runs the receiving side of a transfer on port and prints the
// report.
func (c *Client) download(ctx context.Context, port int) error {
	out := c.config.Out
	conn, err := c.dial(ctx, "SERVER_FILE", port)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[CLIENT]: connecting to SERVER_FILE...done\n")

	r := &transfer.Receiver{Codec: c.codec, Open: c.config.Open, Digest: c.config.Digest}
	outcome, err := r.Receive(ctx, conn)
	if err != nil {
		return fmt.Errorf("transfer to %s failed after %d bytes: %w", outcome.Target, outcome.Bytes, err)
	}

	if outcome.State == transfer.Rejected {
		c.explainOpenError(outcome.Target, outcome.OpenErr)
		return nil
	}

	fmt.Fprintf(out, "[CLIENT]: transfer complete, total: [%d] bytes (%s)\n",
		outcome.Bytes, humanize.IBytes(uint64(outcome.Bytes)))

	fmt.Fprintf(out, "[CLIENT]: %s is [%s]\n", strings.ToUpper(string(c.config.Digest)), outcome.Digest)

	c.printPartitions(outcome.Target)
	return nil
}

func (c *Client) printPartitions(target string) {
	if !mbr.IsDevice(target) {
		fmt.Fprintf(c.config.Out, "> no partition table available for files\n")
		return
	}
	parts, err := mbr.ReadFile(target)
	if err != nil {
		fmt.Fprintf(c.config.Err, "ERROR: reading partition table of %s (%v)\n", target, err)
		return
	}
	mbr.Format(c.config.Out, target, parts)
}

func (c *Client) explainOpenError(target string, err error) {
	w := c.config.Err
	switch {
	case errors.Is(err, fs.ErrPermission):
		fmt.Fprintf(w, "ERROR: no permission on client to write on %s, restart with sudo\n", target)
	case errors.Is(err, syscall.EISDIR):
		fmt.Fprintf(w, "ERROR: no filename specified\n")
		fmt.Fprintf(w, "        example: file down 3 /home/user/Desktop/test_file\n")
		fmt.Fprintf(w, "        example: file down 1 /dev/sdc\n")
	default:
		fmt.Fprintf(w, "ERROR: unable to open %s (%v)\n", target, err)
	}
}
