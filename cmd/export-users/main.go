package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/campuscreators/chatfeed/internal/config"
	"github.com/campuscreators/chatfeed/internal/db"
	"github.com/campuscreators/chatfeed/internal/user"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

const defaultOutput = "users-export.csv"

var header = []string{"id", "username", "display_name", "is_admin", "created_at", "blocked"}

func main() {
	if err := rootCmd().Execute(); err != nil {
		jww.FATAL.Fatalf("❌ %v", err)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-users [output]",
		Short: "Write every user profile to a CSV file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config.InitLog(viper.GetString("log-level"))
			output := defaultOutput
			if len(args) == 1 {
				output = args[0]
			}

			database, err := db.NewDatabase(viper.GetString("dsn"))
			if err != nil {
				return errors.Wrap(err, "connect to DB")
			}
			defer database.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
			defer cancel()
			users, err := user.NewRepository(database.Conn).All(ctx)
			if err != nil {
				return errors.Wrap(err, "read users")
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := writeCSV(f, users); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			jww.INFO.Printf("✅ Exported %d users to %s", len(users), output)
			return nil
		},
	}

	cmd.Flags().String("dsn", "", "PostgreSQL DSN (defaults to $DB_DSN)")
	cmd.Flags().Duration("timeout", time.Minute, "time allowed for reading the users")
	cmd.Flags().String("log-level", "info", "log level")
	viper.BindPFlag("dsn", cmd.Flags().Lookup("dsn"))
	viper.BindPFlag("timeout", cmd.Flags().Lookup("timeout"))
	viper.BindPFlag("log-level", cmd.Flags().Lookup("log-level"))
	viper.BindEnv("dsn", "DB_DSN")
	return cmd
}

// writeCSV flattens each profile into one row. Blocked ids are joined with
// ';'.
func writeCSV(w io.Writer, users []user.User) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, u := range users {
		row := []string{
			u.ID,
			u.Username,
			u.DisplayName,
			strconv.FormatBool(u.IsAdmin),
			u.CreatedAt.UTC().Format(time.RFC3339),
			strings.Join(u.Blocked, ";"),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
