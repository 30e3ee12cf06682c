package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/condfmt/internal/core/auth"
	"github.com/solatis/condfmt/internal/core/config"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys for the rule service",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key; the key is printed once and cannot be recovered",
	RunE: func(cmd *cobra.Command, args []string) error {
		principal, _ := cmd.Flags().GetString("principal")
		secretID, _ := cmd.Flags().GetString("secret-id")

		authenticator, closeDB, err := newAuthenticator()
		if err != nil {
			return err
		}
		defer closeDB()

		if secretID == "" {
			secretID, err = singleSecretID()
			if err != nil {
				return err
			}
		}
		keyID, key, err := authenticator.IssueKey(secretID, principal)
		if err != nil {
			return err
		}
		logger.Info("api key issued", "api_key_id", keyID, "principal", principal, "secret_id", secretID)
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"apiKeyId":  keyID,
			"apiKey":    key,
			"principal": principal,
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		authenticator, closeDB, err := newAuthenticator()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := authenticator.RevokeKey(args[0]); err != nil {
			return err
		}
		logger.Info("api key revoked", "api_key_id", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysCreateCmd, keysRevokeCmd)
	keysCreateCmd.Flags().String("principal", "", "who the key is issued to")
	keysCreateCmd.Flags().String("secret-id", "", "HMAC secret to bind the key to (default: the only configured secret)")
	_ = keysCreateCmd.MarkFlagRequired("principal")
}

// newAuthenticator opens the control database and loads the HMAC secrets.
func newAuthenticator() (*auth.Authenticator, func() error, error) {
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return nil, nil, fmt.Errorf("no HMAC secrets configured (set %s environment variable)", config.EnvHMACSecret)
	}
	database, queries, err := openControlDB()
	if err != nil {
		return nil, nil, err
	}
	return auth.NewAuthenticator(secrets, queries), database.Close, nil
}

func singleSecretID() (string, error) {
	secrets, err := config.HMACSecrets()
	if err != nil {
		return "", err
	}
	if len(secrets) != 1 {
		return "", fmt.Errorf("%d HMAC secrets configured, choose one with --secret-id", len(secrets))
	}
	for id := range secrets {
		return id, nil
	}
	return "", nil
}
