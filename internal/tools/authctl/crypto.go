package authctl

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

const passwordEnv = "AUTHSYNC_ENCRYPTION_PASSWORD"

func newKeygenCommand() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a random base64 key suitable for HMAC_SECRET or JWT secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateEncryptionKey(bits)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return err
		},
	}
	cmd.Flags().IntVar(&bits, "bits", security.DefaultKeyBits, "key length in bits (128, 192 or 256)")
	return cmd
}

func newEncryptCommand() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt stdin with the password in " + passwordEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := encryptionPassword()
			if err != nil {
				return err
			}
			plaintext, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			record, err := security.EncryptWithKeyLength(plaintext, password, bits)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(record)
		},
	}
	cmd.Flags().IntVar(&bits, "bits", security.DefaultKeyBits, "key length in bits (128, 192 or 256)")
	return cmd
}

func newDecryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a JSON record from stdin with the password in " + passwordEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := encryptionPassword()
			if err != nil {
				return err
			}
			var record security.EncryptedRecord
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&record); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			plaintext, err := security.Decrypt(&record, password)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}
}

func encryptionPassword() ([]byte, error) {
	password := os.Getenv(passwordEnv)
	if password == "" {
		return nil, errors.New(passwordEnv + " is not set")
	}
	return []byte(password), nil
}
