package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	router "github.com/dkeye/ClinicCall/internal/adapters/http"
	"github.com/dkeye/ClinicCall/internal/adapters/store"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/spf13/cobra"
)

func buildRecordsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "records <user-id>",
		Short: "Print the call history of a user as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			uid, err := domain.ParseUserID(args[0])
			if err != nil {
				return err
			}
			s, err := store.Open(cmd.Context(), cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			defer s.Close()

			recs, err := s.ListByUser(cmd.Context(), uid, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of records")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an identity token signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			auth := router.NewAuthenticator(cfg.Auth.JWTSecret)
			if auth == nil {
				return errors.New("auth.jwt_secret is not configured")
			}
			uid, err := domain.ParseUserID(args[0])
			if err != nil {
				return err
			}
			token, err := auth.Issue(uid, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
