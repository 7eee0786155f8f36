// Package fileservice implements the file service: it owns the image catalog,
// answers the FILE vocabulary received on the bus and drives the sending side
// of the transfer handshake.
package fileservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/internal/table"
	"github.com/marmos91/imgpull/pkg/bus"
	"github.com/marmos91/imgpull/pkg/catalog"
	"github.com/marmos91/imgpull/pkg/metrics"
	"github.com/marmos91/imgpull/pkg/transfer"
	"github.com/marmos91/imgpull/pkg/wire"
)

// Verb is the first word of every request addressed to the service.
const Verb = "FILE"

const (
	replySyntax       = "[SERVER_FILE]: incorrect syntax, use: file down <file_id> <device>\n"
	replyInvalidID    = "[SERVER_FILE]: invalid image ID %d, use 'file ls' to get a list of images\n"
	replyComplete     = "[SERVER_FILE]: transfer of %s complete, %d bytes sent\n"
	replyRejected     = "[SERVER_FILE]: [CLIENT] unable to write on %s\n"
	replyAborted      = "[SERVER_FILE]: transfer of %s aborted (%v)\n"
	replyListError    = "[SERVER_FILE]: ERROR reading image list (%v)\n"
	replyWrongAddress = "[SERVER_FILE] who was THAT for???\n"
)

// Service answers FILE requests one at a time. It implements bus.Handler.
type Service struct {
	catalog *catalog.Catalog
	bus     bus.Bus
	sender  *transfer.Sender
	metrics metrics.TransferMetrics
}

// New creates the service. The begin-transfer signal is sent on b; m may be
// nil.
func New(cat *catalog.Catalog, b bus.Bus, sender *transfer.Sender, m metrics.TransferMetrics) *Service {
	if cat == nil || b == nil || sender == nil {
		panic("fileservice: catalog, bus and sender are required")
	}
	if m == nil {
		m = metrics.NewNoopTransferMetrics()
	}
	return &Service{catalog: cat, bus: b, sender: sender, metrics: m}
}

// Handle processes one request body. Only bus failures and cancellation are
// returned as errors; everything else becomes a reply.
func (s *Service) Handle(ctx context.Context, body string) (string, bool, error) {
	args := strings.Fields(body)
	if len(args) < 2 || args[0] != Verb {
		logger.Warn("File service received a request for someone else: %q", body)
		return replyWrongAddress, false, nil
	}

	switch args[1] {
	case "LS":
		return s.list(ctx), false, nil
	case "DOWN":
		reply, err := s.download(ctx, args[2:])
		return reply, false, err
	case "KILL":
		logger.Info("File service exiting")
		return "", true, nil
	default:
		logger.Warn("File service received unknown request: %q", body)
		return replyWrongAddress, false, nil
	}
}

func (s *Service) list(ctx context.Context) string {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		logger.Error("Listing images failed: %v", err)
		return fmt.Sprintf(replyListError, err)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.Itoa(e.ID) + ")",
			e.Name,
			strconv.FormatInt(e.Size, 10),
			e.Digest,
		})
	}
	header := []string{"ID", "name", "size (B)", strings.ToUpper(string(s.catalog.Algorithm()))}
	return "> image list\n" + table.Render(header, rows) + "\n"
}

func (s *Service) download(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return replySyntax, nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id == 0 {
		return replySyntax, nil
	}
	target := args[1]

	entry, err := s.catalog.Resolve(ctx, id)
	if err != nil {
		var notFound *catalog.NotFoundError
		if errors.As(err, &notFound) {
			logger.Info("Download requested for unknown image id %d", id)
			return fmt.Sprintf(replyInvalidID, id), nil
		}
		logger.Error("Resolving image id %d failed: %v", id, err)
		return fmt.Sprintf(replyAborted, args[0], err), nil
	}

	src, err := s.catalog.Open(ctx, entry)
	if err != nil {
		logger.Error("Opening image %q failed: %v", entry.Name, err)
		return fmt.Sprintf(replyAborted, entry.Name, err), nil
	}
	defer func() { _ = src.Close() }()

	logger.Info("Transfer of %q (%s) to %q starting", entry.Name, humanize.IBytes(uint64(entry.Size)), target)
	s.metrics.SetInFlight(true)
	start := time.Now()

	res, err := s.sender.Send(ctx, src, target, s.signal)

	s.metrics.SetInFlight(false)
	s.metrics.RecordTransfer(res.State.String(), res.Bytes, time.Since(start))

	switch {
	case err == nil:
		logger.Info("Transfer of %q complete: %d bytes in %v", entry.Name, res.Bytes, time.Since(start))
		return fmt.Sprintf(replyComplete, entry.Name, res.Bytes), nil
	case errors.Is(err, bus.ErrClosed), ctx.Err() != nil:
		return "", err
	case res.State == transfer.Rejected:
		logger.Info("Client cannot write on %q", target)
		return fmt.Sprintf(replyRejected, target), nil
	default:
		logger.Warn("Transfer of %q aborted in state %s after %d bytes: %v", entry.Name, res.State, res.Bytes, err)
		return fmt.Sprintf(replyAborted, entry.Name, err), nil
	}
}

// signal tells the router, and through it the client, where to connect. The
// data channel shares the control channel framing, so the sender's codec
// decides the signal form.
func (s *Service) signal(ctx context.Context, port int) error {
	return s.bus.Send(ctx, bus.TagMain, wire.TransferSignalFor(s.sender.Codec(), port))
}
