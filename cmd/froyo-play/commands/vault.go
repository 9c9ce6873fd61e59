package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-play/pkg/vault"
)

func newVaultCommand() *cobra.Command {
	var passwordFile string

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Encrypt, decrypt and view vault files",
		Long: `Manage encrypted vault files.

A vault is a YAML document of secrets. Nested keys are exposed to plans
as vault.<a>.<b> and every value is scrubbed from logs and reports.
The password comes from --vault-password-file or FROYO_VAULT_PASSWORD.`,
	}
	cmd.PersistentFlags().StringVar(&passwordFile, "vault-password-file", "", "file holding the vault password")

	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt FILE",
		Short: "Encrypt a plaintext vault in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if vault.IsEncrypted(data) {
				return fmt.Errorf("%s is already encrypted", path)
			}
			if _, err := vault.Parse(data); err != nil {
				return err
			}
			password, err := vault.ReadPassword(passwordFile)
			if err != nil {
				return err
			}
			sealed, err := vault.Encrypt(data, password)
			if err != nil {
				return err
			}
			if err := writeInPlace(path, sealed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "encrypted %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decrypt FILE",
		Short: "Decrypt a vault in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			plain, err := openVault(path, passwordFile)
			if err != nil {
				return err
			}
			if err := writeInPlace(path, plain); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decrypted %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "view FILE",
		Short: "Print a vault's plaintext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := openVault(args[0], passwordFile)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plain)
			return err
		},
	})

	return cmd
}

func openVault(path, passwordFile string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !vault.IsEncrypted(data) {
		return nil, fmt.Errorf("%s: %w", path, vault.ErrNotEncrypted)
	}
	password, err := vault.ReadPassword(passwordFile)
	if err != nil {
		return nil, err
	}
	return vault.Decrypt(data, password)
}

// writeInPlace replaces path keeping its permissions.
func writeInPlace(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, info.Mode().Perm())
}
