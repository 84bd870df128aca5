package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/mnohosten/twopc/pkg/coordinator"
	"github.com/mnohosten/twopc/pkg/txn"
)

type options struct {
	Addr         string        `long:"addr" default:":9000" description:"address the coordinator listens on"`
	Participants []string      `long:"participant" required:"true" description:"name=url pair for a participant; repeat for each one, in order"`
	WALPath      string        `long:"wal" default:"coordinator.wal" description:"path to the coordinator's write-ahead log"`
	StorePath    string        `long:"store" default:"coordinator.db" description:"path to the coordinator's SQLite state store"`
	Deadline     time.Duration `long:"deadline" default:"10s" description:"per-RPC deadline for calls to participants"`
	Secret       string        `long:"secret" env:"TWOPC_CLUSTER_SECRET" description:"shared secret used to sign/verify inter-node RPCs; empty disables signing"`
	DebugPrepare bool          `long:"debug-prepare-hook" description:"expose the non-protocol debug Prepare endpoint on the coordinator (see design notes)"`
	GraphQL      bool          `long:"graphql" description:"enable the read-only admin GraphQL endpoint at /admin/graphql"`
	JSONLog      bool          `long:"json-log" description:"emit logs as JSON instead of text"`
}

func parseParticipants(raw []string) ([]txn.ParticipantConfig, error) {
	out := make([]txn.ParticipantConfig, 0, len(raw))
	for _, p := range raw {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --participant %q: want name=url", p)
		}
		out = append(out, txn.ParticipantConfig{Name: parts[0], URL: parts[1]})
	}
	return out, nil
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.JSONLog {
		log.SetFormatter(&log.JSONFormatter{})
	}

	participants, err := parseParticipants(opts.Participants)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	color.Cyan("🪢 twopc coordinator starting")
	fmt.Printf("   listen:       %s\n", opts.Addr)
	fmt.Printf("   participants: %d\n", len(participants))
	for i, p := range participants {
		fmt.Printf("     [%d] %s -> %s\n", i, p.Name, p.URL)
	}
	fmt.Printf("   wal:          %s\n", opts.WALPath)
	fmt.Printf("   store:        %s\n", opts.StorePath)
	if opts.Secret != "" {
		color.Green("   request signing: enabled")
	} else {
		color.Yellow("   request signing: disabled (no --secret configured)")
	}

	coord, err := coordinator.Open(coordinator.Config{
		Participants: participants,
		WALPath:      opts.WALPath,
		StorePath:    opts.StorePath,
		Deadline:     opts.Deadline,
		Secret:       opts.Secret,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to open coordinator: %v\n", err)
		os.Exit(1)
	}

	srv, err := coordinator.NewServer(coord, coordinator.ServerConfig{
		Addr:                   opts.Addr,
		EnableDebugPrepareHook: opts.DebugPrepare,
		EnableGraphQL:          opts.GraphQL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to build coordinator server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ coordinator server error: %v\n", err)
		os.Exit(1)
	}
}
