package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/replyhive/replyhive/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  ____            _       _   _ _\n" +
		" |  _ \\ ___ _ __ | |_   _| | | (_)_   _____\n" +
		" | |_) / _ \\ '_ \\| | | | | |_| | \\ \\ / / _ \\\n" +
		" |  _ <  __/ |_) | | |_| |  _  | |\\ V /  __/\n" +
		" |_| \\_\\___| .__/|_|\\__, |_| |_|_| \\_/ \\___|\n" +
		"           |_|      |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "replyhive",
	Short: "ReplyHive - WhatsApp auto-reply gateway",
	Long:  color.CyanString(logo) + "\nMulti-tenant WhatsApp session manager with learning auto-replies.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ ReplyHive Version")
		fmt.Printf("Version: %s\n", version)
	},
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(tenantsCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
