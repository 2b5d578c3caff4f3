package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cachedb/internal/cache"
	"cachedb/internal/config"
)

// NewTokenCmd manages the backend token the host logs in with at startup.
func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the backend token",
	}

	cmd.AddCommand(newTokenSetCmd())
	cmd.AddCommand(newTokenClearCmd())

	return cmd
}

func newTokenSetCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a backend token in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				var err error
				token, err = readToken(cmd)
				if err != nil {
					return err
				}
			}
			if token == "" {
				return errors.New("token cannot be empty")
			}

			if err := config.Set("backend.token", token); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token saved")
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "token value (prompted for when omitted)")

	return cmd
}

// readToken prompts without echo on a terminal and reads one line otherwise.
func readToken(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), "Backend token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newTokenClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the configured and the persisted backend token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}

			if err := config.Set("backend.token", ""); err != nil {
				return fmt.Errorf("clear token: %w", err)
			}

			db, err := cliCtx.GetStorage()
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			if err := db.KVDelete(cache.TokenKey); err != nil {
				return fmt.Errorf("clear stored session: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Token cleared")
			return nil
		},
	}
}
