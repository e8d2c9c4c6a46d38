package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/srp"
)

var authSetupIdentity string

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the local account",
	Long: `Manage the account that gates the HTTP API and remote access.

Subcommands:
  setup    Provision the password and remote-access verifier
  status   Show whether an account exists`,
}

var authSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Provision the password and remote-access verifier",
	Long: `Set the account password. The password is read from WARDEN_PASSWORD
when set, otherwise prompted for. Setup also derives the verifier used
by relayed connections, so it never stores the password itself for
remote use.`,
	RunE: runAuthSetup,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether an account exists",
	RunE:  runAuthStatus,
}

func init() {
	authSetupCmd.Flags().StringVar(&authSetupIdentity, "identity", "warden", "Account identity used in the remote handshake")
	authCmd.AddCommand(authSetupCmd)
	authCmd.AddCommand(authStatusCmd)
}

func runAuthSetup(cmd *cobra.Command, args []string) error {
	if err := config.EnsurePaths(); err != nil {
		return err
	}

	password := os.Getenv("WARDEN_PASSWORD")
	if password == "" {
		fmt.Print("New password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	store, err := auth.NewStore(config.AuthPath())
	if err != nil {
		return err
	}

	salt, verifier, err := srp.ComputeVerifier(authSetupIdentity, password)
	if err != nil {
		return err
	}
	if err := store.Setup(password, authSetupIdentity, salt, verifier); err != nil {
		return err
	}

	fmt.Printf("Account provisioned (identity %q)\n", authSetupIdentity)
	fmt.Printf("Auth file: %s\n", config.AuthPath())
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	store, err := auth.NewStore(config.AuthPath())
	if err != nil {
		return err
	}
	if store.AccountExists() {
		fmt.Println("Account: configured")
	} else {
		fmt.Println("Account: not configured")
	}
	fmt.Printf("Auth file: %s\n", config.AuthPath())

	ra, err := config.LoadRemoteAccess(config.RemoteAccessPath())
	if err == nil {
		state := "disabled"
		if ra.Enabled {
			state = "enabled"
		}
		fmt.Printf("Remote access: %s\n", state)
	}
	return nil
}
