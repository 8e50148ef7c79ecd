package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds configuration for the byteferry binary. One struct
// serves both send and receive modes; unused fields are ignored.
type Config struct {
	PeerID        string
	LogLevel      string
	RendezvousURL string
	DataDir       string // queue + resume stores live under it
	DownloadDir   string
	QUICAddr      string
	TCPAddr       string
	Streams       int
	Slots         int
	Bandwidth     int64 // bytes/sec, 0 = unlimited
	Priority      string
	Peer          string   // destination peer for send mode
	Paths         []string // paths to send
}

// Parse reads configuration from flags and environment variables.
// Flags take precedence over environment; defaults apply last.
func Parse() Config {
	return parseWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseArgs parses configuration for a named subcommand from its own
// argument list.
func ParseArgs(name string, args []string) Config {
	return parseWithFlagSet(flag.NewFlagSet(name, flag.ExitOnError), args)
}

// parseWithFlagSet is an internal helper for testing with isolated
// flag sets.
func parseWithFlagSet(fs *flag.FlagSet, args []string) Config {
	cfg := Config{
		PeerID:        generatePeerID(),
		LogLevel:      "info",
		RendezvousURL: "ws://localhost:8080/ws",
		DataDir:       defaultDataDir(),
		DownloadDir:   defaultDownloadDir(),
		QUICAddr:      ":0",
		TCPAddr:       ":0",
		Streams:       4,
		Slots:         2,
		Priority:      "normal",
	}

	// Environment first.
	if v := os.Getenv("BYTEFERRY_PEER_ID"); v != "" {
		cfg.PeerID = v
	}
	if v := os.Getenv("BYTEFERRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BYTEFERRY_RENDEZVOUS_URL"); v != "" {
		cfg.RendezvousURL = v
	}
	if v := os.Getenv("BYTEFERRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BYTEFERRY_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("BYTEFERRY_BANDWIDTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Bandwidth = n
		}
	}

	// Flags override environment.
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.RendezvousURL, "rendezvous-url", cfg.RendezvousURL, "capability rendezvous websocket URL")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for queue and resume state")
	fs.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "directory incoming transfers land in")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address")
	fs.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "TCP listen address")
	fs.IntVar(&cfg.Streams, "streams", cfg.Streams, "parallel streams per transfer (1..4)")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "concurrently active transfers")
	fs.Int64Var(&cfg.Bandwidth, "bandwidth", cfg.Bandwidth, "bandwidth limit in bytes/sec (0 = unlimited)")
	fs.StringVar(&cfg.Priority, "priority", cfg.Priority, "queue priority (low, normal, high, urgent)")
	fs.StringVar(&cfg.Peer, "peer", cfg.Peer, "destination peer ID (send mode)")

	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "path to send (repeatable)")

	fs.Parse(args)

	if len(paths) > 0 {
		cfg.Paths = paths
	}
	if cfg.Streams < 1 {
		cfg.Streams = 1
	}
	if cfg.Streams > 4 {
		cfg.Streams = 4
	}
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.Bandwidth < 0 {
		cfg.Bandwidth = 0
	}
	return cfg
}

func defaultDataDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "byteferry")
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// generatePeerID generates a random 10-character hex string for peer
// identification.
func generatePeerID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)
