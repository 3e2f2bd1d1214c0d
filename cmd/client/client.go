package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sauravfouzdar/minidfs/internal/protocol"
	"github.com/sauravfouzdar/minidfs/pkg/client"
	"github.com/sauravfouzdar/minidfs/pkg/common"
	"github.com/sauravfouzdar/minidfs/pkg/health"
)

var (
	configPath = flag.String("config", common.DefaultConfigFile, "Cluster configuration file")
	masterAddr = flag.String("master", "", "Master address, defaults to server_ip:server_port")
	outDir     = flag.String("out", common.DefaultClientDir, "Directory downloaded files are written to")
)

var errExit = errors.New("exit")

// Command handler function type
type commandFunc func(ctx context.Context, args []string) error

// Map of commands to handler functions
var commands map[string]struct {
	handler commandFunc
	usage   string
}

func init() {
	commands = map[string]struct {
		handler commandFunc
		usage   string
	}{
		"put":    {handlePut, "put <file>... - Upload files"},
		"get":    {handleGet, "get <name>... - Download files into -out"},
		"status": {handleStatus, "status - Show master and storage node availability"},
		"help":   {handleHelp, "help - Show this help message"},
		"exit":   {handleExit, "exit - Exit the client"},
	}
}

// Global client
var (
	dfsClient *client.Client
	config    common.Config
	logger    = zerolog.Nop()
)

func main() {
	// Parse command line flags
	flag.Parse()

	var err error
	config, err = common.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	var logFile io.Closer
	logger, logFile, err = common.NewLogger(config.LogDir, "client.log", config.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer logFile.Close()

	master := config.Master.Address()
	if *masterAddr != "" {
		if master, err = common.ParseNodeAddress(*masterAddr); err != nil {
			log.Fatal().Err(err).Msg("Invalid -master")
		}
	}
	codec := protocol.NewCodec(int(config.ChunkSize.Bytes()), config.IOTimeout)
	dfsClient = client.NewClient(master, codec, logger)
	ctx := context.Background()

	// one-shot mode
	if flag.NArg() > 0 {
		if err := run(ctx, flag.Args()); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Interactive mode
	fmt.Println("DFS Client - Type 'help' for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("dfs> ")
		if !scanner.Scan() {
			break
		}

		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}

		if err := run(ctx, args); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command, type 'help' for commands")
	}
	command, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return command.handler(ctx, args[1:])
}

func handlePut(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: " + commands["put"].usage)
	}
	var failed int
	for _, path := range args {
		stored, err := dfsClient.Put(ctx, path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("%s stored as %s\n", path, stored)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(args))
	}
	return nil
}

func handleGet(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: " + commands["get"].usage)
	}
	var failed int
	for _, name := range args {
		path, err := dfsClient.Get(ctx, name, *outDir)
		if err != nil {
			fmt.Printf("%s: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("%s saved to %s\n", name, path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(args))
	}
	return nil
}

func handleStatus(ctx context.Context, args []string) error {
	prober, err := health.New(config.Master.Probe, config.ProbeTimeout, logger)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Node", "Role", "Status"})
	table.Append([]string{dfsClient.MasterAddress.String(), "master", availability(dfsClient.Status(ctx))})
	for _, n := range config.StorageNodes {
		table.Append([]string{n.String(), "storage", availability(prober.Probe(ctx, n))})
	}
	return table.Render()
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

func handleHelp(ctx context.Context, args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available commands:")
	for _, name := range names {
		fmt.Printf("  %s\n", commands[name].usage)
	}
	return nil
}

func handleExit(ctx context.Context, args []string) error {
	return errExit
}
