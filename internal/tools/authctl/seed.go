package authctl

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sandeepkv93/unified-auth-sync/internal/config"
	"github.com/sandeepkv93/unified-auth-sync/internal/domain"
	"github.com/sandeepkv93/unified-auth-sync/internal/repository"
	"github.com/sandeepkv93/unified-auth-sync/internal/security"
)

func newSeedUserCommand() *cobra.Command {
	var email, name, password string
	cmd := &cobra.Command{
		Use:   "seed-user",
		Short: "Create a local user record for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := repository.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN())
			if err != nil {
				return err
			}
			defer func() { _ = repository.CloseDatabase(db) }()

			hash, err := security.NewHasher(cfg.BcryptCost).Hash(password)
			if err != nil {
				return err
			}
			user := &domain.User{
				ID:           uuid.NewString(),
				Email:        strings.ToLower(strings.TrimSpace(email)),
				Name:         name,
				PasswordHash: hash,
			}
			if err := repository.NewUserRepository(db).Create(cmd.Context(), user); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.ID, user.Email)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&password, "password", "", "plaintext password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
