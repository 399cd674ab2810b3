package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/replyhive/replyhive/internal/config"
	"github.com/replyhive/replyhive/internal/store"
)

var (
	tenantCreateName string
	tenantModeID     int64
	tenantAgentMode  string
	tenantFilterMode string
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenants",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		defer st.Close()

		tenants, err := st.ListTenants(context.Background())
		if err != nil {
			fmt.Printf("❌ List failed: %v\n", err)
			return
		}
		if len(tenants) == 0 {
			fmt.Println("No tenants yet. Create one with 'replyhive tenants create --name ...'")
			return
		}
		for _, t := range tenants {
			link := "unlinked"
			if t.Connected {
				link = "linked " + t.Phone
			}
			fmt.Printf("[%d] %-20s mode=%s filter=%s %s\n", t.ID, t.Name, t.AgentMode, t.FilterMode, link)
		}
	},
}

var tenantsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant",
	Run: func(cmd *cobra.Command, args []string) {
		if tenantCreateName == "" {
			fmt.Println("Provide --name.")
			return
		}
		st, err := openStore()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		defer st.Close()

		t, err := st.CreateTenant(context.Background(), tenantCreateName)
		if err != nil {
			fmt.Printf("❌ Create failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Created tenant [%d] %s (mode=%s)\n", t.ID, t.Name, t.AgentMode)
	},
}

var tenantsModeCmd = &cobra.Command{
	Use:   "set-mode",
	Short: "Set a tenant's agent and filter mode",
	Run: func(cmd *cobra.Command, args []string) {
		if tenantModeID == 0 {
			fmt.Println("Provide --tenant.")
			return
		}
		st, err := openStore()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		defer st.Close()

		ctx := context.Background()
		t, err := st.GetTenant(ctx, tenantModeID)
		if err != nil {
			fmt.Printf("❌ Tenant lookup failed: %v\n", err)
			return
		}
		agentMode := t.AgentMode
		filterMode := t.FilterMode
		if tenantAgentMode != "" {
			agentMode = tenantAgentMode
		}
		if tenantFilterMode != "" {
			filterMode = tenantFilterMode
		}
		if err := st.SetTenantModes(ctx, t.ID, agentMode, filterMode); err != nil {
			fmt.Printf("❌ Update failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Tenant [%d] mode=%s filter=%s\n", t.ID, agentMode, filterMode)
	},
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, "replyhive.db"))
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	return st, nil
}

func init() {
	tenantsCreateCmd.Flags().StringVar(&tenantCreateName, "name", "", "Tenant name")
	tenantsModeCmd.Flags().Int64Var(&tenantModeID, "tenant", 0, "Tenant id")
	tenantsModeCmd.Flags().StringVar(&tenantAgentMode, "agent-mode", "", "learning or active")
	tenantsModeCmd.Flags().StringVar(&tenantFilterMode, "filter-mode", "", "all, whitelist or blacklist")
	tenantsCmd.AddCommand(tenantsListCmd)
	tenantsCmd.AddCommand(tenantsCreateCmd)
	tenantsCmd.AddCommand(tenantsModeCmd)
}
