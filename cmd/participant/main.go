package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/mnohosten/twopc/pkg/participant"
)

type options struct {
	Name           string        `long:"name" required:"true" description:"human-readable name for this participant"`
	Addr           string        `long:"addr" default:":9001" description:"address this participant listens on"`
	CoordinatorURL string        `long:"coordinator" required:"true" description:"base URL of the coordinator's FetchCommit endpoint"`
	WALPath        string        `long:"wal" default:"participant.wal" description:"path to this participant's write-ahead log"`
	StorePath      string        `long:"store" default:"participant.db" description:"path to this participant's SQLite state store"`
	InitTimeout    time.Duration `long:"init-timeout" default:"30s" description:"how long a transaction may sit INITIALIZED before this participant aborts it"`
	Deadline       time.Duration `long:"deadline" default:"10s" description:"per-RPC deadline for the FetchCommit call made against the coordinator"`
	Secret         string        `long:"secret" env:"TWOPC_CLUSTER_SECRET" description:"shared secret used to sign/verify inter-node RPCs; empty disables signing"`
	JSONLog        bool          `long:"json-log" description:"emit logs as JSON instead of text"`
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

	color.Cyan("🪢 twopc participant starting")
	fmt.Printf("   name:        %s\n", opts.Name)
	fmt.Printf("   listen:      %s\n", opts.Addr)
	fmt.Printf("   coordinator: %s\n", opts.CoordinatorURL)
	fmt.Printf("   wal:         %s\n", opts.WALPath)
	fmt.Printf("   store:       %s\n", opts.StorePath)
	if opts.Secret != "" {
		color.Green("   request signing: enabled")
	} else {
		color.Yellow("   request signing: disabled (no --secret configured)")
	}

	part, err := participant.Open(participant.Config{
		Name:           opts.Name,
		CoordinatorURL: opts.CoordinatorURL,
		WALPath:        opts.WALPath,
		StorePath:      opts.StorePath,
		InitTimeout:    opts.InitTimeout,
		Deadline:       opts.Deadline,
		Secret:         opts.Secret,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to open participant: %v\n", err)
		os.Exit(1)
	}

	srv := participant.NewServer(part, participant.ServerConfig{Addr: opts.Addr})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ participant server error: %v\n", err)
		os.Exit(1)
	}
}
