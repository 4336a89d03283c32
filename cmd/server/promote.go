package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tradehub/internal/database"
	"github.com/tyemirov/tradehub/internal/profiles"
	"go.uber.org/zap"
)

const configCodeMissingPromoteEmail = "config.missing_promote_email"

// newPromoteCommand sets the role of an existing profile. It is the only way to
// create the first administrator.
func newPromoteCommand() *cobra.Command {
	promoteCmd := &cobra.Command{
		Use:   "promote",
		Short: "Set the marketplace role of an existing profile",
		Args:  cobra.NoArgs,
		RunE:  runPromote,
	}
	promoteCmd.Flags().String("email", "", "Email of the profile to change")
	promoteCmd.Flags().String("role", string(profiles.RoleAdmin), "Role to assign (homeowner, professional, admin)")
	return promoteCmd
}

func runPromote(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(); err != nil {
		return err
	}
	email, _ := command.Flags().GetString("email")
	if strings.TrimSpace(email) == "" {
		return configError(configCodeMissingPromoteEmail, "email must be provided")
	}
	roleValue, _ := command.Flags().GetString("role")
	role, err := profiles.ParseRole(roleValue)
	if err != nil {
		return err
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	databaseURL := viper.GetString("database_url")
	if strings.TrimSpace(databaseURL) == "" {
		databaseURL = database.InMemorySQLiteURL
	}
	gormDB, driverLabel, err := database.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer closeDatabase(gormDB, logger)

	store, err := profiles.NewStore(ctx, gormDB, driverLabel)
	if err != nil {
		return err
	}
	profile, err := store.GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	previous, err := store.SetRole(ctx, profile.ID, role)
	if err != nil {
		return fmt.Errorf("promote: %w", err)
	}
	logger.Info("profile role changed",
		zap.String("principal_id", profile.ID),
		zap.String("previous_role", string(previous)),
		zap.String("role", string(role)))
	fmt.Fprintf(command.OutOrStdout(), "%s is now %s (was %s)\n", profile.Email, role, previous)
	return nil
}
