package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replyhive/replyhive/internal/store"
)

var (
	knowledgeTenantID int64
	knowledgeCategory string
	knowledgeQuestion string
	knowledgeAnswer   string
	knowledgeDeleteID int64
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Inspect and edit a tenant's knowledge base",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge entries",
	Run: func(cmd *cobra.Command, args []string) {
		if knowledgeTenantID == 0 {
			fmt.Println("Provide --tenant.")
			return
		}
		st, err := openStore()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		defer st.Close()

		entries, err := st.ListKnowledge(context.Background(), knowledgeTenantID)
		if err != nil {
			fmt.Printf("❌ List failed: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Println("Knowledge base is empty.")
			return
		}
		for _, e := range entries {
			fmt.Printf("[%d] (%s, %s)\nQ: %s\nA: %s\n\n", e.ID, e.Category, e.Source, e.Question, e.Answer)
		}
	},
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a knowledge entry",
	Run: func(cmd *cobra.Command, args []string) {
		if knowledgeTenantID == 0 || knowledgeQuestion == "" || knowledgeAnswer == "" {
			fmt.Println("Provide --tenant, --question and --answer.")
			return
		}
		st, err := openStore()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		defer st.Close()

		id, err := st.AddKnowledge(context.Background(), knowledgeTenantID, knowledgeCategory, knowledgeQuestion, knowledgeAnswer, store.SourceManual)
		if err != nil {
			fmt.Printf("❌ Add failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Added entry [%d]\n", id)
	},
}

var knowledgeDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a knowledge entry",
	Run: func(cmd *cobra.Command, args []string) {
		if knowledgeTenantID == 0 || knowledgeDeleteID == 0 {
			fmt.Println("Provide --tenant and --id.")
			return
		}
		st, err := openStore()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			return
		}
		defer st.Close()

		if err := st.DeleteKnowledge(context.Background(), knowledgeTenantID, knowledgeDeleteID); err != nil {
			fmt.Printf("❌ Delete failed: %v\n", err)
			return
		}
		fmt.Printf("✅ Deleted entry [%d]\n", knowledgeDeleteID)
	},
}

func init() {
	knowledgeCmd.PersistentFlags().Int64Var(&knowledgeTenantID, "tenant", 0, "Tenant id")
	knowledgeAddCmd.Flags().StringVar(&knowledgeCategory, "category", "general", "Entry category")
	knowledgeAddCmd.Flags().StringVar(&knowledgeQuestion, "question", "", "Question text")
	knowledgeAddCmd.Flags().StringVar(&knowledgeAnswer, "answer", "", "Answer text")
	knowledgeDeleteCmd.Flags().Int64Var(&knowledgeDeleteID, "id", 0, "Entry id")
	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgeDeleteCmd)
}
