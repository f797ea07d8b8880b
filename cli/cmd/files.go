package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"southwinds.dev/coffer/internal/misc"
)

var (
	putName    string
	getOutput  string
	listLimit  int
	listOffset int
	outputJSON bool
)

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Encrypt and store a file",
	Long:  "Encrypt a file into the vault. Use '-' to read from stdin together with --name.",
	Args:  cobra.ExactArgs(1),
	RunE:  putFile,
}

var getCmd = &cobra.Command{
	Use:   "get <file-id>",
	Short: "Decrypt a stored file",
	Long:  "Decrypt a stored file to stdout, or to the path given with --output.",
	Args:  cobra.ExactArgs(1),
	RunE:  getFile,
}

var rmCmd = &cobra.Command{
	Use:     "rm <file-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a file",
	Long:    "Mark a file deleted and securely erase its encrypted blob. This cannot be undone.",
	Args:    cobra.ExactArgs(1),
	RunE:    removeFile,
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List stored files",
	Long:    "List the owner's files, newest first. Does not need the password.",
	Args:    cobra.NoArgs,
	RunE:    listFiles,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search files by name",
	Long:  "Find the owner's files whose original name contains query, ignoring case.",
	Args:  cobra.ExactArgs(1),
	RunE:  searchFiles,
}

var infoCmd = &cobra.Command{
	Use:   "info <file-id>",
	Short: "Show file metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  fileInfo,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage statistics",
	Args:  cobra.NoArgs,
	RunE:  showStats,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove records of deleted files",
	Long:  "Drop catalog records of deleted files once their blobs are erased, retrying any erase that did not finish.",
	Args:  cobra.NoArgs,
	RunE:  purge,
}

func init() {
	rootCmd.AddCommand(putCmd, getCmd, rmCmd, lsCmd, searchCmd, infoCmd, statsCmd, purgeCmd)

	putCmd.Flags().StringVarP(&putName, "name", "n", "", "original name to record (defaults to the file's base name)")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "write the decrypted file here instead of stdout")

	lsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of files to show")
	lsCmd.Flags().IntVar(&listOffset, "offset", 0, "offset for pagination")
	searchCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of files to show")

	for _, c := range []*cobra.Command{lsCmd, searchCmd, infoCmd, statsCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	}
}

func putFile(cmd *cobra.Command, args []string) error {
	name := putName
	var data []byte
	var err error

	if args[0] == "-" {
		if name == "" {
			return fmt.Errorf("--name is required when reading from stdin")
		}
		data, err = io.ReadAll(os.Stdin)
	} else {
		if name == "" {
			name = filepath.Base(args[0])
		}
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	defer wipe(data)

	if err = unlock(); err != nil {
		return err
	}

	fileID, err := vaultSvc.Store(cmd.Context(), data, name, ownerID)
	if err != nil {
		return userError(err)
	}
	fmt.Println(fileID)
	return nil
}

func getFile(cmd *cobra.Command, args []string) error {
	if err := unlock(); err != nil {
		return err
	}

	data, err := vaultSvc.Retrieve(cmd.Context(), args[0], ownerID)
	if err != nil {
		return userError(err)
	}
	defer wipe(data)

	if getOutput == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err = os.WriteFile(getOutput, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write %s: %w", getOutput, err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (%s)\n", getOutput, formatSize(int64(len(data))))
	return nil
}

func removeFile(cmd *cobra.Command, args []string) error {
	if err := unlock(); err != nil {
		return err
	}
	if err := vaultSvc.Delete(cmd.Context(), args[0], ownerID); err != nil {
		return userError(err)
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func listFiles(cmd *cobra.Command, args []string) error {
	files, total, err := vaultSvc.List(cmd.Context(), ownerID, listLimit, listOffset)
	if err != nil {
		return userError(err)
	}
	if outputJSON {
		return printJSON(map[string]interface{}{"files": files, "total": total})
	}
	printFileTable(files)
	fmt.Printf("\nShowing %d of %d files\n", len(files), total)
	return nil
}

func searchFiles(cmd *cobra.Command, args []string) error {
	files, err := vaultSvc.Search(cmd.Context(), ownerID, args[0], listLimit)
	if err != nil {
		return userError(err)
	}
	if outputJSON {
		return printJSON(files)
	}
	printFileTable(files)
	return nil
}

func fileInfo(cmd *cobra.Command, args []string) error {
	info, err := vaultSvc.FileInfo(cmd.Context(), args[0], ownerID)
	if err != nil {
		return userError(err)
	}
	if outputJSON {
		return printJSON(info)
	}
	fmt.Printf("ID:        %s\n", info.ID)
	fmt.Printf("Name:      %s\n", info.OriginalName)
	fmt.Printf("Size:      %s\n", formatSize(info.Size))
	fmt.Printf("Type:      %s\n", info.MimeType)
	fmt.Printf("Owner:     %d\n", info.OwnerID)
	fmt.Printf("Created:   %s\n", formatTime(info.CreatedAt))
	fmt.Printf("Modified:  %s\n", formatTime(info.ModifiedAt))
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	stats, err := vaultSvc.Stats(cmd.Context(), ownerID)
	if err != nil {
		return userError(err)
	}
	if outputJSON {
		return printJSON(stats)
	}
	fmt.Printf("Files:      %d\n", stats.FileCount)
	fmt.Printf("Total size: %s (%.2f MiB)\n", formatSize(stats.TotalSize), stats.TotalSizeMB)
	return nil
}

func purge(cmd *cobra.Command, args []string) error {
	n, err := vaultSvc.PurgeReclaimed(cmd.Context())
	fmt.Printf("Purged %d records\n", n)
	if err != nil {
		return userError(err)
	}
	return nil
}
