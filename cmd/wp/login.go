package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypost/internal/config"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func newLoginCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the session token",
		Long:  "Reads the session token (without echo on a terminal) and writes it to session.token_file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "waypost.yaml", "path to Waypost config file")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "waypost.yaml", "path to Waypost config file")
	return cmd
}

func runLogin(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	path := cfg.Session.TokenFile
	if path == "" {
		return fmt.Errorf("login: session.token_file is not set in %s", configPath)
	}

	fmt.Fprintf(out, "Token for %s: ", cfg.Session.UserID)
	token, err := readToken(cmd.InOrStdin())
	fmt.Fprintln(out)
	if err != nil {
		return fmt.Errorf("login: read token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("login: empty token")
	}

	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("login: write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Token saved to %s\n", path)
	return nil
}

func runLogout(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	path := cfg.Session.TokenFile
	if path == "" {
		return fmt.Errorf("logout: session.token_file is not set in %s", configPath)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged out\n")
	return nil
}

// readToken reads the token without echo when in is a terminal, or one
// line otherwise.
func readToken(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := readPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
