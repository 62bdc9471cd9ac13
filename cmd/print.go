package cmd

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/keygate/keygate/cdc"
	"github.com/keygate/keygate/cdc/scylla"
	"github.com/keygate/keygate/cfg"
	"github.com/keygate/keygate/notify"
	"github.com/spf13/cobra"
)

var printOpts struct {
	table     string
	startFrom string
}

var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the change log of a table to stdout",
	Long: "Tails one table with the printer consumer. Positions are kept in memory " +
		"only, so printing never moves the checkpoint of the running pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTable()
	},
}

func init() {
	printCmd.Flags().StringVar(&printOpts.table, "table", "", "Table to tail")
	printCmd.Flags().StringVar(&printOpts.startFrom, "start-from", cfg.StartNow, "Start position: earliest or now")
	printCmd.MarkFlagRequired("table")
}

func printTable() error {
	table, ok := cfg.Config.Table(printOpts.table)
	if !ok {
		table = cfg.TableConfiguration{
			Name:             printOpts.table,
			SafetyIntervalMS: int(cdc.DefaultSafetyInterval / time.Millisecond),
		}
	}

	session, err := scylla.NewSession(cfg.Config.Scylla)
	if err != nil {
		return err
	}
	defer session.Close()

	factory, err := cdc.NewPrinterFactory(os.Stdout, cfg.Config.Printer.RedactColumns)
	if err != nil {
		return err
	}

	shutdown := notify.NewShutdown()
	stopSignals := shutdown.TriggerOnSignals(os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	tailer, err := cdc.NewTailer(cdc.TailerConfig{
		Table:          table.Name,
		Source:         scylla.NewSource(scylla.NewQuerier(session), cfg.Config.Scylla.Keyspace),
		Factory:        factory,
		Checkpoints:    newMemoryCheckpoints(),
		WindowSize:     time.Duration(table.WindowSizeMS) * time.Millisecond,
		SafetyInterval: time.Duration(table.SafetyIntervalMS) * time.Millisecond,
		PollInterval:   time.Duration(table.PollIntervalMS) * time.Millisecond,
		Shards:         1,
		StartFrom:      printOpts.startFrom,
		Shutdown:       shutdown,
	})
	if err != nil {
		return err
	}

	if err := tailer.Start(context.Background()); err != nil {
		return err
	}
	if err := tailer.Wait(); err != nil && !errors.Is(err, cdc.ErrStopped) {
		return err
	}
	return nil
}

// memoryCheckpoints keeps positions for the lifetime of the process
type memoryCheckpoints struct {
	mu        sync.Mutex
	positions map[string]time.Time
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{positions: make(map[string]time.Time)}
}

func (m *memoryCheckpoints) Load(table string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[table]
	return pos, ok, nil
}

func (m *memoryCheckpoints) Save(table string, position time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[table] = position
	return nil
}
