package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/replyhive/replyhive/internal/store"
)

var (
	contactTenantID int64
	contactAllow    string
	contactBlock    string
	contactClear    string
	contactList     bool
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage a tenant's contact allow/block rules",
	Run:   runContacts,
}

func init() {
	contactsCmd.Flags().Int64Var(&contactTenantID, "tenant", 0, "Tenant id")
	contactsCmd.Flags().StringVar(&contactAllow, "allow", "", "Allow a phone number")
	contactsCmd.Flags().StringVar(&contactBlock, "block", "", "Block a phone number")
	contactsCmd.Flags().StringVar(&contactClear, "clear", "", "Remove the rule for a phone number")
	contactsCmd.Flags().BoolVar(&contactList, "list", false, "List rules")
}

func runContacts(cmd *cobra.Command, args []string) {
	printHeader("📲 Contact Rules")

	if contactTenantID == 0 {
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
	if _, err := st.GetTenant(ctx, contactTenantID); err != nil {
		fmt.Printf("❌ Tenant lookup failed: %v\n", err)
		return
	}

	if contactList {
		rules, err := st.ListContactRules(ctx, contactTenantID)
		if err != nil {
			fmt.Printf("❌ List failed: %v\n", err)
			return
		}
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return
		}
		phones := make([]string, 0, len(rules))
		for p := range rules {
			phones = append(phones, p)
		}
		sort.Strings(phones)
		for _, p := range phones {
			fmt.Printf("%-20s %s\n", p, rules[p])
		}
		return
	}

	if contactAllow == "" && contactBlock == "" && contactClear == "" {
		fmt.Println("Provide --allow, --block or --clear (or --list).")
		return
	}

	if phone := strings.TrimSpace(contactAllow); phone != "" {
		if err := st.SetContactRule(ctx, contactTenantID, phone, store.RuleAllow); err != nil {
			fmt.Printf("❌ Allow failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Allowed: %s\n", phone)
	}
	if phone := strings.TrimSpace(contactBlock); phone != "" {
		if err := st.SetContactRule(ctx, contactTenantID, phone, store.RuleBlock); err != nil {
			fmt.Printf("❌ Block failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Blocked: %s\n", phone)
	}
	if phone := strings.TrimSpace(contactClear); phone != "" {
		if err := st.DeleteContactRule(ctx, contactTenantID, phone); err != nil {
			fmt.Printf("❌ Clear failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Cleared: %s\n", phone)
	}
}
