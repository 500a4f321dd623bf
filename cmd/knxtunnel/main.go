// knxtunnel is a minimal command-line client for a KNXnet/IP tunnelling
// server. It loads configuration, opens a tunnel, and offers a handful of
// subcommands for discovering gateways and reading/writing group addresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/knxtunnel/internal/infrastructure/logging"
	"github.com/nerrad567/knxtunnel/internal/knx"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "knxtunnel.yaml", "path to client configuration file")
	cmd := flag.String("cmd", "monitor", "discover | connect | write | read | monitor")
	address := flag.String("addr", "", "group address for write/read (e.g. 1/2/3)")
	dpt := flag.String("dpt", "", "DPT for write/read (e.g. 1.001)")
	value := flag.String("value", "", "value to write (bool: true/false, numeric: decimal)")
	flag.Parse()

	fmt.Printf("knxtunnel %s (%s)\n", version, commit)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *cmd, *address, *dpt, *value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, cmd, address, dpt, value string) error {
	cfg, err := knx.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}, version)

	transport := knx.NewUDPTransport()
	client, err := knx.NewClient(cfg, transport, log)
	if err != nil {
		return fmt.Errorf("constructing client: %w", err)
	}
	defer client.Close()

	if cmd == "discover" {
		if err := transport.Bind(0); err != nil {
			return fmt.Errorf("binding transport: %w", err)
		}
		info, err := client.DiscoverGateway(ctx)
		if err != nil {
			return fmt.Errorf("discovering gateway: %w", err)
		}
		fmt.Printf("found gateway at %s\n", info.ControlHPAI.String())
		return nil
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	log.Info("tunnel connected", "state", client.Stats().State)

	for _, seed := range cfg.DPTSeed {
		ga, err := knx.ParseGroupAddress(seed.GA)
		if err != nil {
			log.Warn("skipping invalid seed address", "ga", seed.GA, "error", err)
			continue
		}
		if err := client.RegisterDPT(ga, knx.DPT(seed.DPT)); err != nil {
			log.Warn("skipping invalid seed DPT", "ga", seed.GA, "dpt", seed.DPT, "error", err)
		}
	}

	switch cmd {
	case "write":
		return runWrite(ctx, client, address, dpt, value, log)
	case "read":
		return runRead(ctx, client, address, dpt, log)
	default:
		return runMonitor(ctx, client, log)
	}
}

func runWrite(ctx context.Context, client *knx.Client, address, dpt, value string, log *logging.Logger) error {
	ga, err := knx.ParseGroupAddress(address)
	if err != nil {
		return fmt.Errorf("parsing group address: %w", err)
	}
	if dpt != "" {
		if err := client.RegisterDPT(ga, knx.DPT(dpt)); err != nil {
			return fmt.Errorf("registering dpt: %w", err)
		}
	}

	parsed, err := parseWriteValue(value)
	if err != nil {
		return err
	}

	if err := client.Write(ctx, ga, parsed); err != nil {
		return fmt.Errorf("writing %v to %s: %w", parsed, ga.String(), err)
	}
	log.Info("wrote value", "ga", ga.String(), "value", parsed)
	return nil
}

func runRead(ctx context.Context, client *knx.Client, address, dpt string, log *logging.Logger) error {
	ga, err := knx.ParseGroupAddress(address)
	if err != nil {
		return fmt.Errorf("parsing group address: %w", err)
	}
	if dpt != "" {
		if err := client.RegisterDPT(ga, knx.DPT(dpt)); err != nil {
			return fmt.Errorf("registering dpt: %w", err)
		}
	}

	val, err := client.Read(ctx, ga)
	if err != nil {
		return fmt.Errorf("reading %s: %w", ga.String(), err)
	}
	log.Info("read value", "ga", ga.String(), "value", val)
	return nil
}

// runMonitor prints every incoming group event until ctx is cancelled.
func runMonitor(ctx context.Context, client *knx.Client, log *logging.Logger) error {
	for {
		ev, err := client.ReceiveEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("receive event failed", "error", err)
			continue
		}
		log.Info("event", "kind", ev.Kind, "ga", ev.Address.String(), "value", ev.Value)
	}
}

func parseWriteValue(value string) (any, error) {
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		var f float64
		if _, err := fmt.Sscanf(value, "%g", &f); err != nil {
			return nil, fmt.Errorf("parsing value %q: %w", value, err)
		}
		return f, nil
	}
}
