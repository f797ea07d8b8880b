package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/viper"
	"southwinds.dev/coffer"
	"southwinds.dev/coffer/persist"
)

func loadS3Config() persist.S3Config {
	return persist.S3Config{
		Endpoint:        viper.GetString("vault.s3.endpoint"),
		AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
		SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
		Bucket:          viper.GetString("vault.s3.bucket"),
		KeyPrefix:       viper.GetString("vault.s3.prefix"),
		UseSSL:          viper.GetBool("vault.s3.use_ssl"),
		Region:          viper.GetString("vault.s3.region"),
	}
}

func wipe(b []byte) {
	memguard.WipeBytes(b)
}

// userError hides which part of an unlock failed and keeps the rest readable
func userError(err error) error {
	if err == nil {
		return nil
	}
	switch coffer.KindOf(err) {
	case coffer.KindAuthenticationFailure:
		if errors.Is(err, coffer.ErrDecryptionFailure) && vaultSvc != nil && vaultSvc.IsUnlocked() {
			return errors.New("file failed integrity check")
		}
		return errors.New("invalid password")
	case coffer.KindVaultLocked:
		return errors.New("vault is locked")
	case coffer.KindNotProvisioned:
		return errors.New("vault is not provisioned, run 'coffer init' first")
	case coffer.KindNotFound:
		return errors.New("file not found")
	}
	return err
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printFileTable(files []coffer.FileInfo) {
	if len(files) == 0 {
		fmt.Println("No files found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tNAME\tSIZE\tTYPE\tCREATED")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.ID, f.OriginalName, formatSize(f.Size), f.MimeType, formatTime(f.CreatedAt))
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
