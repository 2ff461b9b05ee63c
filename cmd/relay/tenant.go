package main

import (
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants in the local store",
}

func init() {
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantSuspendCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)

	tenantCreateCmd.Flags().String("region", "", "Tenant region")
	tenantCreateCmd.Flags().String("jwt-secret", "", "JWT signing secret")
	tenantCreateCmd.Flags().String("db-host", "127.0.0.1", "Tenant database host")
	tenantCreateCmd.Flags().Int("db-port", 5432, "Tenant database port")
	tenantCreateCmd.Flags().String("db-user", "postgres", "Tenant database user")
	tenantCreateCmd.Flags().String("db-password", "", "Tenant database password")
	tenantCreateCmd.Flags().String("db-name", "", "Tenant database name")
	tenantCreateCmd.Flags().Bool("ssl-enforced", false, "Require SSL on the tenant database")
}

func openStore() (*storage.BoltStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return storage.NewBoltStore(cfg.DataDir)
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <external-id>",
	Short: "Create a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		region, _ := cmd.Flags().GetString("region")
		secret, _ := cmd.Flags().GetString("jwt-secret")
		host, _ := cmd.Flags().GetString("db-host")
		port, _ := cmd.Flags().GetInt("db-port")
		user, _ := cmd.Flags().GetString("db-user")
		password, _ := cmd.Flags().GetString("db-password")
		dbName, _ := cmd.Flags().GetString("db-name")
		sslEnforced, _ := cmd.Flags().GetBool("ssl-enforced")

		tenant := &types.Tenant{
			ExternalID: args[0],
			Region:     region,
			JWTSecret:  secret,
			Extensions: []*types.TenantExtension{{
				Host:         host,
				Port:         port,
				User:         user,
				Password:     password,
				DBName:       dbName,
				PollInterval: time.Second,
				SSLEnforced:  sslEnforced,
			}},
			BroadcastAdapter: types.AdapterLocal,
		}
		if err := store.CreateTenant(tenant); err != nil {
			return err
		}
		fmt.Printf("Tenant %s created\n", args[0])
		return nil
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		tenantList, err := store.ListTenants()
		if err != nil {
			return err
		}
		for _, tenant := range tenantList {
			status := "active"
			if tenant.Suspend {
				status = "suspended"
			}
			fmt.Printf("%s\t%s\t%s\n", tenant.ExternalID, tenant.Region, status)
		}
		return nil
	},
}

var tenantSuspendCmd = &cobra.Command{
	Use:   "suspend <external-id>",
	Short: "Suspend a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		tenant, err := store.GetTenant(args[0])
		if err != nil {
			return err
		}
		tenant.Suspend = true
		if err := store.UpdateTenant(tenant); err != nil {
			return err
		}
		fmt.Printf("Tenant %s suspended\n", args[0])
		return nil
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <external-id>",
	Short: "Delete a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.DeleteTenant(args[0]); err != nil {
			return err
		}
		fmt.Printf("Tenant %s deleted\n", args[0])
		return nil
	},
}
