package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision a new vault",
	Long: `Generate a new master key and seal it under a password.

The password cannot be recovered. Losing it makes every stored file unreadable.`,
	Args: cobra.NoArgs,
	RunE: provision,
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault password",
	Long: `Reseal the master key under a new password.

Stored files are not re-encrypted; they stay readable under the new password.`,
	Args: cobra.NoArgs,
	RunE: changePassword,
}

var newPassword string

func init() {
	rootCmd.AddCommand(initCmd, passwdCmd)
	passwdCmd.Flags().StringVar(&newPassword, "new-password", "", "new vault password (otherwise prompted)")
}

func provision(cmd *cobra.Command, args []string) error {
	var pw []byte
	var err error
	if password != "" {
		pw = []byte(password)
	} else {
		pw, err = promptNewPassword("New vault password: ")
		if err != nil {
			return err
		}
	}
	defer wipe(pw)

	if err = vaultSvc.Provision(pw); err != nil {
		return userError(err)
	}
	fmt.Println("Vault provisioned")
	return nil
}

func changePassword(cmd *cobra.Command, args []string) error {
	oldPw, err := readPassword("Current password: ")
	if err != nil {
		return err
	}
	defer wipe(oldPw)

	var newPw []byte
	if newPassword != "" {
		newPw = []byte(newPassword)
	} else {
		newPw, err = promptNewPassword("New password: ")
		if err != nil {
			return err
		}
	}
	defer wipe(newPw)

	if err = vaultSvc.RotatePassword(oldPw, newPw); err != nil {
		return userError(err)
	}
	fmt.Println("Password changed")
	return nil
}
