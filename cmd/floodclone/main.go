// Command floodclone runs one node's role -- source or destination -- in a
// topology-aware, fixed-membership, one-shot file distribution swarm.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/hileamlakB/floodclone/internal/coordinator"
	"github.com/hileamlakB/floodclone/internal/fclog"
	"github.com/hileamlakB/floodclone/internal/topology"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("floodclone", pflag.ContinueOnError)

	mode := flags.String("mode", "", "node role: \"source\" or \"destination\"")
	nodeName := flags.String("node-name", "", "this node's name in the topology")
	srcName := flags.String("src-name", "", "the source node's name in the topology")
	file := flags.String("file", "", "source input path (source mode) or reconstruction output path (destination mode)")
	piecesDir := flags.String("pieces-dir", "", "directory to dump per-piece side files into (source mode only, optional)")
	timestampFile := flags.String("timestamp-file", "", "path to write the two-line start/end microsecond timestamp file")
	networkInfoPath := flags.String("network-info", "", "path to the network_info routing table JSON document")
	ipMapPath := flags.String("ip-map", "", "path to the ip_map address book JSON document")

	dataPort := flags.Int("data-port", 9089, "TCP port for metadata and piece exchange")
	completionPort := flags.Int("completion-port", 9090, "TCP port for the fleet completion barrier")
	pieceSize := flags.Uint64("piece-size", 16384, "piece size in bytes")
	workers := flags.Int("workers", 4, "worker pool size")
	logLevel := flags.String("log-level", "info", "one of debug, info, warn, error")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fclog.SetLevel(*logLevel)

	cfg, err := buildConfig(*mode, *nodeName, *srcName, *file, *piecesDir, *timestampFile,
		*networkInfoPath, *ipMapPath, *dataPort, *completionPort, *pieceSize, *workers)
	if err != nil {
		fclog.Errorf(*nodeName, "%v", err)
		return 1
	}

	if err := coordinator.New(cfg).Run(); err != nil {
		fclog.Errorf(*nodeName, "%v", err)
		return 1
	}
	return 0
}

func buildConfig(mode, nodeName, srcName, file, piecesDir, timestampFile,
	networkInfoPath, ipMapPath string, dataPort, completionPort int, pieceSize uint64, workers int) (coordinator.Config, error) {

	if mode != "source" && mode != "destination" {
		return coordinator.Config{}, fmt.Errorf("--mode must be \"source\" or \"destination\", got %q", mode)
	}
	if nodeName == "" {
		return coordinator.Config{}, fmt.Errorf("--node-name is required")
	}
	if file == "" {
		return coordinator.Config{}, fmt.Errorf("--file is required")
	}

	networkRaw, err := os.ReadFile(networkInfoPath)
	if err != nil {
		return coordinator.Config{}, fmt.Errorf("reading --network-info: %w", err)
	}
	network, err := topology.ParseNetworkInfo(networkRaw)
	if err != nil {
		return coordinator.Config{}, err
	}

	ipMapRaw, err := os.ReadFile(ipMapPath)
	if err != nil {
		return coordinator.Config{}, fmt.Errorf("reading --ip-map: %w", err)
	}
	ips, err := topology.ParseIPMap(ipMapRaw)
	if err != nil {
		return coordinator.Config{}, err
	}

	return coordinator.Config{
		Mode:           mode,
		NodeName:       nodeName,
		SrcName:        srcName,
		FilePath:       file,
		PiecesDir:      piecesDir,
		TimestampFile:  timestampFile,
		Network:        network,
		IPs:            ips,
		DataPort:       dataPort,
		CompletionPort: completionPort,
		PieceSize:      pieceSize,
		Workers:        workers,
	}, nil
}
