package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmkol/resync/pkg/connectivity"
	"github.com/pmkol/resync/pkg/offline_sync"
)

type cliFlags struct {
	api    string
	output string
}

func (f *cliFlags) bind(c *cobra.Command) {
	c.PersistentFlags().StringVar(&f.api, "api", "127.0.0.1:9080", "api address of the running engine")
	c.PersistentFlags().StringVarP(&f.output, "output", "o", "table", "output format: table, json or yaml")
}

func (f *cliFlags) client() *Client {
	return NewClient(f.api)
}

func (f *cliFlags) format() (outputFormat, error) {
	return parseFormat(f.output)
}

func cliContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newQueueCmd() *cobra.Command {
	f := new(cliFlags)
	c := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the offline queue of a running engine.",
	}
	f.bind(c)

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in replay order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := f.format()
			if err != nil {
				return err
			}
			ops, err := f.client().Pending(cliContext(cmd))
			if err != nil {
				return err
			}
			t := newTableData("ID", "TYPE", "PRIORITY", "RETRIES", "ENQUEUED", "LAST ERROR")
			for _, op := range ops {
				t.addRow(
					op.ID,
					string(op.Type),
					strconv.Itoa(op.Priority),
					fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries),
					op.EnqueuedAt.Local().Format(time.DateTime),
					op.LastError,
				)
			}
			return printResult(cmd.OutOrStdout(), format, ops, t)
		},
		SilenceUsage: true,
	}

	var (
		opType     string
		payload    string
		priority   int
		maxRetries int
	)
	add := &cobra.Command{
		Use:   "add --type type [--payload json]",
		Short: "Queue an operation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			op := offline_sync.Operation{
				Type:       offline_sync.OperationType(opType),
				Priority:   priority,
				MaxRetries: maxRetries,
			}
			if len(payload) > 0 {
				if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
					return fmt.Errorf("invalid payload, %w", err)
				}
			}
			id, err := f.client().Enqueue(cliContext(cmd), op)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
		SilenceUsage: true,
	}
	add.Flags().StringVarP(&opType, "type", "t", "", "operation type")
	add.Flags().StringVarP(&payload, "payload", "p", "", "payload as a json object")
	add.Flags().IntVar(&priority, "priority", 0, "priority, default 1")
	add.Flags().IntVar(&maxRetries, "max-retries", 0, "max retries, default from config")
	add.MarkFlagRequired("type")

	remove := &cobra.Command{
		Use:   "remove id...",
		Short: "Drop pending operations.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := f.client().Remove(cliContext(cmd), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		},
		SilenceUsage: true,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.client().ClearQueue(cliContext(cmd))
		},
		SilenceUsage: true,
	}

	var force bool
	syncCmd := &cobra.Command{
		Use:   "sync [--force]",
		Short: "Run a replay pass now and wait for it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := f.format()
			if err != nil {
				return err
			}
			res, err := f.client().Sync(cliContext(cmd), force)
			if err != nil {
				return err
			}
			t := newTableData("ATTEMPTED", "SUCCEEDED", "FAILED", "DEAD", "SKIPPED", "REMAINING", "INTERRUPTED", "DURATION")
			t.addRow(
				strconv.Itoa(res.Attempted),
				strconv.Itoa(res.Succeeded),
				strconv.Itoa(res.Failed),
				strconv.Itoa(res.Dead),
				strconv.Itoa(res.Skipped),
				strconv.Itoa(res.Remaining),
				strconv.FormatBool(res.Interrupted),
				res.Duration.String(),
			)
			return printResult(cmd.OutOrStdout(), format, res, t)
		},
		SilenceUsage: true,
	}
	syncCmd.Flags().BoolVar(&force, "force", false, "sync even if the engine is offline")

	c.AddCommand(list, add, remove, clearCmd, syncCmd)
	return c
}

func newCacheCmd() *cobra.Command {
	f := new(cliFlags)
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the cache of a running engine.",
	}
	f.bind(c)

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print cache counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := f.format()
			if err != nil {
				return err
			}
			s, err := f.client().CacheStats(cliContext(cmd))
			if err != nil {
				return err
			}
			t := newTableData("MEMORY SIZE", "MEMORY HITS", "DISK HITS", "MISSES", "EVICTIONS", "HIT RATE")
			t.addRow(
				strconv.Itoa(s.MemorySize),
				strconv.FormatUint(s.MemoryHits, 10),
				strconv.FormatUint(s.DiskHits, 10),
				strconv.FormatUint(s.Misses, 10),
				strconv.FormatUint(s.Evictions, 10),
				fmt.Sprintf("%.2f%%", s.HitRate*100),
			)
			return printResult(cmd.OutOrStdout(), format, s, t)
		},
		SilenceUsage: true,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cache entry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.client().ClearCache(cliContext(cmd))
		},
		SilenceUsage: true,
	}

	c.AddCommand(stats, clearCmd)
	return c
}

func newBreakerCmd() *cobra.Command {
	f := new(cliFlags)
	c := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect the circuit breakers of a running engine.",
	}
	f.bind(c)

	list := &cobra.Command{
		Use:   "list",
		Short: "List breakers and their state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := f.format()
			if err != nil {
				return err
			}
			snapshots, err := f.client().Breakers(cliContext(cmd))
			if err != nil {
				return err
			}
			t := newTableData("NAME", "STATE", "FAILURES", "REJECTED", "NEXT RETRY")
			for _, s := range snapshots {
				next := "-"
				if !s.NextRetryAt.IsZero() {
					next = s.NextRetryAt.Local().Format(time.DateTime)
				}
				t.addRow(s.Name, s.State, strconv.Itoa(s.FailureCount), strconv.FormatUint(s.Rejected, 10), next)
			}
			return printResult(cmd.OutOrStdout(), format, snapshots, t)
		},
		SilenceUsage: true,
	}

	reset := &cobra.Command{
		Use:   "reset name",
		Short: "Close a breaker.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.client().ResetBreaker(cliContext(cmd), args[0])
		},
		SilenceUsage: true,
	}

	c.AddCommand(list, reset)
	return c
}

func newProbeCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)
	c := &cobra.Command{
		Use:   "probe [-c config_file]",
		Short: "Run the configured connectivity probes once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Init(); err != nil {
				return err
			}
			if len(cfg.Connectivity.Probes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no probe configured, the engine is always online")
				return nil
			}

			failed := 0
			for i := range cfg.Connectivity.Probes {
				p, err := newProber(&cfg.Connectivity.Probes[i])
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cliContext(cmd), timeout)
				start := time.Now()
				err = p.Probe(ctx)
				cancel()
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: failed after %s: %v\n", p.Name(), time.Since(start).Round(time.Millisecond), err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok in %s\n", p.Name(), time.Since(start).Round(time.Millisecond))
			}
			if failed == len(cfg.Connectivity.Probes) {
				return fmt.Errorf("all %d probes failed, the engine would be offline", failed)
			}
			return nil
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&configPath, "config", "c", "", "config file")
	c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "timeout of each probe")
	return c
}

func newConnectivityCmd() *cobra.Command {
	f := new(cliFlags)
	c := &cobra.Command{
		Use:   "connectivity [online|offline]",
		Short: "Show the network state of a running engine, or override it.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := f.format()
			if err != nil {
				return err
			}
			var s connectivity.Status
			if len(args) == 0 {
				s, err = f.client().Connectivity(cliContext(cmd))
			} else {
				switch args[0] {
				case "online":
					s, err = f.client().SetOnline(cliContext(cmd), true)
				case "offline":
					s, err = f.client().SetOnline(cliContext(cmd), false)
				default:
					return fmt.Errorf("invalid state %q, want online or offline", args[0])
				}
			}
			if err != nil {
				return err
			}
			lastChange := "-"
			if !s.LastChange.IsZero() {
				lastChange = s.LastChange.Local().Format(time.DateTime)
			}
			t := newTableData("ONLINE", "PROBER", "TRANSITIONS", "LAST CHANGE", "LAST ERROR")
			t.addRow(strconv.FormatBool(s.Online), s.Prober, strconv.FormatUint(s.Transitions, 10), lastChange, s.LastError)
			return printResult(cmd.OutOrStdout(), format, s, t)
		},
		SilenceUsage: true,
	}
	f.bind(c)
	return c
}
