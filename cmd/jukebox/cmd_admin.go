/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/friendsincode/jukebox/internal/auth"
	"github.com/friendsincode/jukebox/internal/cache"
	"github.com/friendsincode/jukebox/internal/db"
	"github.com/friendsincode/jukebox/internal/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		database, err := db.Connect(cfg)
		if err != nil {
			return err
		}
		defer db.Close(database)

		if err := db.Migrate(database); err != nil {
			return err
		}
		logger.Info().Str("backend", string(cfg.DBBackend)).Msg("migrations applied")
		return nil
	},
}

var (
	tokenOperator string
	tokenRole     string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if tokenOperator == "" {
			return fmt.Errorf("--operator is required")
		}
		role := models.RoleName(tokenRole)
		if role != models.RoleAdmin && role != models.RoleOperator {
			return fmt.Errorf("unknown role %q", tokenRole)
		}

		token, err := auth.Issue([]byte(cfg.JWTSigningKey), auth.Claims{
			Operator: tokenOperator,
			Roles:    []string{string(role)},
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var cacheFlushCmd = &cobra.Command{
	Use:   "cache-flush",
	Short: "Drop cached content metadata and prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if cfg.RedisAddr == "" {
			return fmt.Errorf("no redis address configured")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		if err := cache.New(client, cache.DefaultConfig(), logger).FlushAll(ctx); err != nil {
			return err
		}
		logger.Info().Msg("cache flushed")
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "operator name recorded in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleAdmin), "role granted (admin or operator)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(cacheFlushCmd)
}
