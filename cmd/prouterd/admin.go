package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/partition-router/prouter/internal/config"
	"github.com/partition-router/prouter/internal/discovery"
	"github.com/partition-router/prouter/internal/journal"
	"github.com/partition-router/prouter/internal/routing"
)

const adminTimeout = 30 * time.Second

func openStore(cfg *config.Config) (*discovery.OxiaStore, error) {
	return discovery.NewOxiaStore(discovery.OxiaConfig{
		ServiceAddress: cfg.Discovery.OxiaEndpoint,
		Namespace:      cfg.Discovery.Namespace,
		RequestTimeout: cfg.Discovery.RequestTimeout,
		SessionTimeout: cfg.Discovery.SessionTimeout,
	})
}

// ============================================================================
// Participant Commands
// ============================================================================

func runParticipants(args []string) error {
	if len(args) < 1 {
		printParticipantsUsage()
		return fmt.Errorf("missing subcommand")
	}

	switch args[0] {
	case "list":
		return runParticipantsList(args[1:])
	case "announce":
		return runParticipantsAnnounce(args[1:])
	case "help", "-h", "--help":
		printParticipantsUsage()
		return nil
	default:
		printParticipantsUsage()
		return fmt.Errorf("unknown participants command: %s", args[0])
	}
}

func printParticipantsUsage() {
	fmt.Println(`Usage: prouterd participants <command> [options]

Commands:
  list       List the participant records currently announced
  announce   Announce a participant and hold it until interrupted`)
}

func runParticipantsList(args []string) error {
	fs := pflag.NewFlagSet("participants list", pflag.ContinueOnError)
	configPath := commonFlags(fs)
	asJSON := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	participants, invalid, err := listParticipants(ctx, store, cfg.Discovery.Prefix)
	if err != nil {
		return err
	}
	for _, key := range invalid {
		fmt.Fprintf(os.Stderr, "warning: skipping invalid record %s\n", key)
	}
	return printParticipants(os.Stdout, participants, *asJSON)
}

// listParticipants reads both directories under prefix, returning the
// decodable records sorted by direction and handle and the keys that could
// not be decoded.
func listParticipants(ctx context.Context, store discovery.Store, prefix string) ([]routing.Participant, []string, error) {
	var (
		out     []routing.Participant
		invalid []string
	)
	for _, d := range []routing.Direction{routing.DirectionIn, routing.DirectionOut} {
		kvs, err := store.List(ctx, discovery.DirectoryKey(prefix, d))
		if err != nil {
			return nil, nil, err
		}
		for _, kv := range kvs {
			p, err := discovery.DecodeParticipant(kv.Value)
			if err != nil {
				invalid = append(invalid, kv.Key)
				continue
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Handle < out[j].Handle
	})
	return out, invalid, nil
}

func printParticipants(w io.Writer, participants []routing.Participant, asJSON bool) error {
	if asJSON {
		if participants == nil {
			participants = []routing.Participant{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(participants)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tDIRECTION\tTOPIC\tTYPE\tPARTITIONS")
	for _, p := range participants {
		partitions := strings.Join(p.Partitions, ",")
		if partitions == "" {
			partitions = "(default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Handle, p.Direction, p.Topic, p.Type, partitions)
	}
	return tw.Flush()
}

func runParticipantsAnnounce(args []string) error {
	fs := pflag.NewFlagSet("participants announce", pflag.ContinueOnError)
	configPath := commonFlags(fs)
	handle := fs.String("handle", "", "Participant handle (default: auto-generated UUID)")
	direction := fs.String("direction", "out", "Direction: out (publisher) or in (subscriber)")
	topic := fs.String("topic", "", "Topic name (required)")
	typeName := fs.String("type", "", "Registered type name")
	partitions := fs.StringSlice("partition", nil, "Partition to join (repeatable; none means the default partition)")

	fs.Usage = func() {
		fmt.Println(`Usage: prouterd participants announce --topic <name> [options]

Announce one participant record and keep it alive until interrupted. The
record is ephemeral and disappears when this process exits.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := buildParticipant(*handle, *direction, *topic, *typeName, *partitions)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	announcer, err := discovery.NewAnnouncer(store, cfg.Discovery.Prefix)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := announcer.Announce(ctx, p); err != nil {
		return err
	}
	logger.Infof("participant announced", p.Fields())

	<-ctx.Done()

	withdrawCtx, withdrawCancel := context.WithTimeout(context.Background(), adminTimeout)
	defer withdrawCancel()
	if err := announcer.Withdraw(withdrawCtx, p); err != nil {
		return err
	}
	logger.Infof("participant withdrawn", p.Fields())
	return nil
}

func buildParticipant(handle, direction, topic, typeName string, partitions []string) (routing.Participant, error) {
	d, err := routing.ParseDirection(direction)
	if err != nil {
		return routing.Participant{}, err
	}
	if topic == "" {
		return routing.Participant{}, fmt.Errorf("--topic is required")
	}
	if handle == "" {
		handle = uuid.NewString()
	}
	return routing.Participant{
		Handle:     routing.Handle(handle),
		Direction:  d,
		Topic:      topic,
		Type:       typeName,
		Partitions: partitions,
	}, nil
}

// ============================================================================
// Journal Commands
// ============================================================================

func runJournal(args []string) error {
	if len(args) < 1 || args[0] != "create-topic" {
		fmt.Println(`Usage: prouterd journal create-topic [options]

Create the lifecycle journal topic if it does not exist.`)
		if len(args) > 0 && (args[0] == "help" || args[0] == "-h" || args[0] == "--help") {
			return nil
		}
		return fmt.Errorf("missing or unknown journal command")
	}

	fs := pflag.NewFlagSet("journal create-topic", pflag.ContinueOnError)
	configPath := commonFlags(fs)
	partitions := fs.Int32("partitions", 3, "Number of partitions")
	replication := fs.Int16("replication-factor", -1, "Replication factor (-1 uses the broker default)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	client, err := journal.NewClient(journal.KafkaConfig{
		Brokers:  cfg.Journal.Brokers,
		Topic:    cfg.Journal.Topic,
		ClientID: "prouterd-admin",
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	if err := journal.EnsureTopic(ctx, client, cfg.Journal.Topic, *partitions, *replication); err != nil {
		return err
	}
	fmt.Printf("topic %s is ready\n", cfg.Journal.Topic)
	return nil
}
