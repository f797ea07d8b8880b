package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display whether the vault is provisioned, where its key and files live and the memory protection level.",
	Args:  cobra.NoArgs,
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func showStatus(cmd *cobra.Command, args []string) error {
	status := vaultSvc.Status()
	if outputJSON {
		return printJSON(status)
	}

	fmt.Println("Vault Status")
	fmt.Println("============")
	fmt.Printf("Provisioned:       %v\n", status.Provisioned)
	fmt.Printf("Memory Protection: %s\n", status.MemoryProtection)
	fmt.Printf("Key Store:         %s\n", status.StoreType)
	fmt.Printf("Vault Dir:         %s\n", viper.GetString("vault.dir"))
	fmt.Printf("Catalog:           %s\n", viper.GetString("catalog.dsn"))
	fmt.Printf("Idle Timeout:      %s\n", status.IdleTimeout)

	stats, err := vaultSvc.Stats(cmd.Context(), ownerID)
	if err != nil {
		fmt.Printf("Files:             ERROR - %v\n", err)
	} else {
		fmt.Printf("Files:             %d (%s)\n", stats.FileCount, formatSize(stats.TotalSize))
	}
	return nil
}
