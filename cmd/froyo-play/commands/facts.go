package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/froyo-play/pkg/config"
	"github.com/openfroyo/froyo-play/pkg/engine"
)

func newFactsCommand() *cobra.Command {
	var (
		inventory string
		limit     []string
		parallel  int
		jsonOut   bool
		noRecord  bool
		cached    bool
		conn      connectorOptions
	)

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Gather facts from inventory hosts",
		Long: `Gather the facts guards can read from every inventory host.

Facts are gathered per category:
  - os: os_family, distribution, distribution_version, distribution_release
  - platform: system, kernel, architecture
  - hostname: hostname
  - init: service_mgr
  - packages: pkg_mgr, packages

Gathered facts are saved to the run log unless --no-record is set, and
expire after an hour. --cached prints the saved facts without contacting
the hosts. An unreachable host is reported and does not stop the others.`,
		Example: `  # Gather facts from every host
  froyo-play facts -i hosts.yml

  # Gather from two hosts as JSON
  froyo-play facts -i hosts.yml --limit web1,web2 --json

  # Show what the last gather saved
  froyo-play facts -i hosts.yml --cached`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.Logger

			inv, err := config.LoadInventory(inventory)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}
			hosts, err := inv.Select([]string{"all"}, limit)
			if err != nil {
				return &ExitError{Code: 2, Err: err}
			}

			if cached && noRecord {
				return &ExitError{Code: 2, Err: fmt.Errorf("--cached reads the run log and cannot be combined with --no-record")}
			}

			store := engine.NewFactStore(nil, logger)
			if !noRecord {
				db, err := openStore(ctx, dbPath)
				if err != nil {
					return fmt.Errorf("failed to open run log: %w", err)
				}
				defer db.Close()
				store = engine.NewFactStore(db, logger)
			}
			connector := newConnector(conn, componentLogger(logger, "connector"))

			var (
				mu       sync.Mutex
				gathered = make(map[string]map[string]any)
				failed   = make(map[string]string)
			)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(parallel)
			for _, host := range hosts {
				g.Go(func() error {
					var facts *engine.Facts
					var err error
					if cached {
						facts, err = store.Load(gctx, host.Name)
					} else {
						facts, err = gatherHost(gctx, connector, store, host)
					}
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed[host.Name] = err.Error()
						return nil
					}
					gathered[host.Name] = facts.Map()
					return nil
				})
			}
			_ = g.Wait()

			out := cmd.OutOrStdout()
			if jsonOut {
				doc := map[string]any{"facts": gathered}
				if len(failed) > 0 {
					doc["failed"] = failed
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(doc); err != nil {
					return err
				}
			} else {
				for _, host := range hosts {
					if msg, ok := failed[host.Name]; ok {
						fmt.Fprintf(out, "%s: failed: %s\n", host.Name, msg)
						continue
					}
					fmt.Fprintf(out, "%s:\n", host.Name)
					values := gathered[host.Name]
					keys := make([]string, 0, len(values))
					for k := range values {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintf(out, "  %s: %v\n", k, values[k])
					}
				}
			}

			if len(failed) > 0 {
				what := "unreachable"
				if cached {
					what = "without stored facts"
				}
				return &ExitError{Code: 1, Err: fmt.Errorf("%d host(s) %s", len(failed), what), Reported: true}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventory, "inventory", "i", "", "inventory file")
	cmd.Flags().StringSliceVar(&limit, "limit", nil, "only these hosts")
	cmd.Flags().IntVar(&parallel, "parallel", 10, "maximum hosts contacted at once")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print facts as JSON")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "do not save facts to the run log")
	cmd.Flags().BoolVar(&cached, "cached", false, "print facts saved by an earlier gather instead of contacting hosts")
	cmd.Flags().StringVar(&conn.DefaultUser, "user", "", "default SSH user")
	cmd.Flags().StringVar(&conn.KnownHostsPath, "known-hosts", "", "known_hosts file")
	cmd.Flags().BoolVar(&conn.NoHostKeyCheck, "no-host-key-check", false, "accept unknown SSH host keys")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}

func gatherHost(ctx context.Context, connector engine.Connector, store *engine.FactStore, host engine.Host) (*engine.Facts, error) {
	t, err := connector.Open(ctx, host)
	if err != nil {
		return nil, engine.NewHostUnreachableError(host.Name, err)
	}
	defer t.Close()
	return store.Gather(ctx, host.Name, t)
}
