package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/musikutiv/metaFirst/internal/central"
	"github.com/musikutiv/metaFirst/internal/config"
	"github.com/musikutiv/metaFirst/internal/opsdb"
)

const commandTimeout = 60 * time.Second

func opsdbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opsdb",
		Short: "Manage per-tenant operational databases",
	}
	cmd.AddCommand(opsdbInitCmd())
	cmd.AddCommand(opsdbStatusCmd())
	cmd.AddCommand(opsdbListCmd())
	return cmd
}

// cliEnv bundles the stores a subcommand needs. Logging goes to discard: CLI
// output is the command's stdout, not the server log stream.
type cliEnv struct {
	central *central.Store
	scope   *opsdb.Scope
	router  *opsdb.Router
}

func openEnv() (*cliEnv, error) {
	cfg, err := config.LoadForTool()
	if err != nil {
		return nil, err
	}
	store, err := central.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	router := opsdb.NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	scope := opsdb.NewScope(opsdb.NewRegistry(store.LookupTenantDSN), router)
	return &cliEnv{central: store, scope: scope, router: router}, nil
}

func (e *cliEnv) close() {
	_ = e.router.DisposeAll()
	_ = e.central.Close()
}

// resolveTenant accepts a numeric id or a tenant name.
func resolveTenant(ctx context.Context, store *central.Store, ref string) (*central.Tenant, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("missing --tenant")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return store.GetTenant(ctx, id)
	}
	tenant, err := store.GetTenantByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("tenant %q not found", ref)
	}
	return tenant, nil
}

func opsdbInitCmd() *cobra.Command {
	var tenantRef, dsn string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Provision a tenant's operational database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.close()

			tenant, err := resolveTenant(ctx, env.central, tenantRef)
			if err != nil {
				return err
			}

			target := strings.TrimSpace(dsn)
			if target == "" {
				target = tenant.OpsDSN
			}
			if target == "" {
				target = fmt.Sprintf("sqlite:///data/tenant_%d_ops.db", tenant.ID)
				fmt.Fprintf(cmd.OutOrStdout(), "no DSN configured, defaulting to %s\n", target)
			}
			if target != tenant.OpsDSN {
				if _, err := env.central.SetTenantDSN(ctx, tenant.ID, target); err != nil {
					return err
				}
			}

			eng, err := env.scope.Engine(ctx, tenant.ID)
			if err != nil {
				return err
			}
			prov := opsdb.NewProvisioner()
			if err := prov.EnsureSchema(ctx, eng); err != nil {
				return err
			}
			tables, err := prov.ListTables(ctx, eng)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "tenant %d (%s): operational schema ready\n", tenant.ID, tenant.Name)
			for _, table := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", table)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantRef, "tenant", "", "Tenant id or name")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Operational database DSN (defaults to the configured one)")
	return cmd
}

func opsdbStatusCmd() *cobra.Command {
	var tenantRef string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provisioning state of a tenant's operational database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.close()

			tenant, err := resolveTenant(ctx, env.central, tenantRef)
			if err != nil {
				return err
			}
			if strings.TrimSpace(tenant.OpsDSN) == "" {
				return fmt.Errorf("tenant %d (%s) has no operational database configured", tenant.ID, tenant.Name)
			}

			eng, err := env.scope.Engine(ctx, tenant.ID)
			if err != nil {
				return err
			}
			prov := opsdb.NewProvisioner()
			initialized, err := prov.Initialized(ctx, eng)
			if err != nil {
				return err
			}
			if !initialized {
				return fmt.Errorf("operational database for tenant %d is not initialized. Run: mf opsdb init --tenant %d", tenant.ID, tenant.ID)
			}

			counts, err := prov.RowCounts(ctx, eng, []string{opsdb.TableIngestRuns, opsdb.TableHeartbeats})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "tenant %d (%s)\n", tenant.ID, tenant.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "  dsn: %s\n", opsdb.MaskDSN(tenant.OpsDSN))
			fmt.Fprintf(cmd.OutOrStdout(), "  initialized: true\n")
			tables := make([]string, 0, len(counts))
			for table := range counts {
				tables = append(tables, table)
			}
			sort.Strings(tables)
			for _, table := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d rows\n", table, counts[table])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantRef, "tenant", "", "Tenant id or name")
	return cmd
}

func opsdbListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active tenants and their operational databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.close()

			tenants, err := env.central.ListTenants(ctx, true)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tOPERATIONAL DSN")
			for _, tenant := range tenants {
				dsn := opsdb.MaskDSN(tenant.OpsDSN)
				if strings.TrimSpace(dsn) == "" {
					dsn = "NOT CONFIGURED"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", tenant.ID, tenant.Name, dsn)
			}
			return w.Flush()
		},
	}
}
