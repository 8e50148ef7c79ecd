// Command byteferry moves files between peers. "send" queues paths for
// a destination peer and drives them to completion; "receive" listens
// for incoming transfers and lands them in the download directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/byteferry/byteferry/internal/config"
	"github.com/byteferry/byteferry/internal/engine"
	"github.com/byteferry/byteferry/internal/logging"
	"github.com/byteferry/byteferry/internal/negotiate"
	"github.com/byteferry/byteferry/internal/peerwire"
	"github.com/byteferry/byteferry/internal/queue"
	"github.com/byteferry/byteferry/internal/resume"
	"github.com/byteferry/byteferry/internal/session"
	"github.com/byteferry/byteferry/internal/transport"
	"github.com/byteferry/byteferry/internal/transportquic"
	"github.com/byteferry/byteferry/internal/transporttcp"
	"github.com/byteferry/byteferry/pkg/protocol"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	if args[0] == "--version" || args[0] == "-v" {
		fmt.Println("byteferry " + version)
		return
	}

	switch args[0] {
	case "send":
		os.Exit(runSend(args[1:]))
	case "receive":
		os.Exit(runReceive(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: byteferry <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  send     queue paths for a peer:  byteferry send -peer <id> -path <p> [-path <p>...]")
	fmt.Fprintln(os.Stderr, "  receive  accept incoming transfers into the download directory")
	fmt.Fprintln(os.Stderr, "flags are shared; see byteferry send -h")
}

func parsePriority(s string) queue.Priority {
	switch s {
	case "low":
		return queue.Low
	case "high":
		return queue.High
	case "urgent":
		return queue.Urgent
	default:
		return queue.Normal
	}
}

// node is the wired-up runtime shared by both modes.
type node struct {
	cfg    config.Config
	logger *slog.Logger
	eng    *engine.Engine
	quic   *transportquic.Transport
	tcp    *transporttcp.Transport
	queue  *queue.Manager
	store  *resume.Store
}

func buildNode(cfg config.Config, receiving bool) (*node, error) {
	logger := logging.New("byteferry", cfg.LogLevel)

	quicAddr, tcpAddr := "", ""
	if receiving {
		quicAddr, tcpAddr = cfg.QUICAddr, cfg.TCPAddr
	}
	quicTr, err := transportquic.New(transportquic.Options{ListenAddr: quicAddr, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("quic transport: %w", err)
	}
	tcpTr, err := transporttcp.New(transporttcp.Options{ListenAddr: tcpAddr, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("tcp transport: %w", err)
	}

	local := protocol.Capabilities{
		QUIC:       true,
		TCP:        true,
		MaxStreams: cfg.Streams,
	}
	if a := quicTr.Addr(); a != nil {
		local.ListenAddr = a.String()
	}
	if a := tcpTr.Addr(); a != nil {
		local.TCPListenAddr = a.String()
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"), cfg.Slots, logger)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}

	var store *resume.Store
	var trust engine.Trust
	if receiving {
		store, err = resume.Open(filepath.Join(cfg.DataDir, "resume"))
		if err != nil {
			q.Close()
			return nil, fmt.Errorf("resume store: %w", err)
		}
		trust = engine.AcceptAll{Dir: cfg.DownloadDir}
	}

	caps := peerwire.NewClient(cfg.RendezvousURL, cfg.PeerID, logger)
	neg := negotiate.New(caps, local, logger)

	eng, err := engine.New(engine.Options{
		SelfID:     cfg.PeerID,
		Logger:     logger,
		Negotiator: neg,
		Transports: map[transport.Protocol]transport.Transport{
			transport.ProtocolQUIC: quicTr,
			transport.ProtocolTCP:  tcpTr,
		},
		Queue: q,
		Store: store,
		Trust: trust,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Bandwidth > 0 {
		eng.SetBandwidthLimit(cfg.Bandwidth)
	}
	return &node{cfg: cfg, logger: logger, eng: eng, quic: quicTr, tcp: tcpTr, queue: q, store: store}, nil
}

func (n *node) close() {
	n.quic.Close()
	n.tcp.Close()
	n.queue.Close()
	if n.store != nil {
		n.store.Close()
	}
}

func runSend(args []string) int {
	cfg := config.ParseArgs("send", args)
	if cfg.Peer == "" || len(cfg.Paths) == 0 {
		fmt.Fprintln(os.Stderr, "send needs -peer and at least one -path")
		return 2
	}

	n, err := buildNode(cfg, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go n.eng.Run(ctx)

	tid, err := n.eng.StartTransfer(ctx, cfg.Peer, cfg.Paths, parsePriority(cfg.Priority))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	n.logger.Info("transfer queued", "transfer", tid, "peer", cfg.Peer)

	for {
		select {
		case ev := <-n.eng.Events():
			if ev.TransferID != tid {
				continue
			}
			if ev.Progress != nil {
				fmt.Fprintf(os.Stderr, "\r%6.2f%%  %8.0f KB/s (avg %.0f)  eta %s ",
					ev.Progress.Percent, ev.Progress.RateBps/1024, ev.Progress.AvgBps/1024, ev.Progress.ETA)
				continue
			}
			if ev.State.Terminal() {
				fmt.Fprintln(os.Stderr)
				st, serr := n.eng.Status(tid)
				if serr == nil && st.State == session.StateCompleted {
					n.logger.Info("transfer complete", "transfer", tid)
					return 0
				}
				n.logger.Error("transfer did not complete",
					"transfer", tid, "state", ev.State, "reason", ev.Reason)
				for _, f := range st.Failures {
					n.logger.Error("file failed", "path", f.Path, "reason", f.Reason)
				}
				return 1
			}
		case <-ctx.Done():
			n.logger.Warn("interrupted")
			return 1
		}
	}
}

func runReceive(args []string) int {
	cfg := config.ParseArgs("receive", args)
	n, err := buildNode(cfg, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n.logger.Info("listening",
		"peer_id", cfg.PeerID,
		"quic", addrString(n.quic.Addr()),
		"tcp", addrString(n.tcp.Addr()),
		"download_dir", cfg.DownloadDir)

	go n.eng.ServeIncoming(ctx, n.quic)
	go n.eng.ServeIncoming(ctx, n.tcp)
	go func() {
		for ev := range n.eng.Events() {
			if ev.Progress == nil && ev.Reason != "" {
				n.logger.Info("transfer", "id", ev.TransferID, "state", ev.State, "reason", ev.Reason)
			}
		}
	}()

	n.eng.Run(ctx)
	return 0
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return ""
	}
	return a.String()
}
