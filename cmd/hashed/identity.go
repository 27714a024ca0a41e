package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xela07ax/hashed-guard/internal/identity"
)

var identityForce bool

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the agent's Ed25519 key",
}

var identityInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new key and store it at identity.path",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		password := []byte(cfg.Identity.Password)
		if len(password) == 0 {
			logger.Warn("saving identity without encryption: set identity.password to encrypt the key at rest")
		}
		id := identity.Generate()
		if err := identity.Save(id, cfg.Identity.Path, password, identityForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "identity written to %s\npublic key: %s\n", cfg.Identity.Path, id.PublicKeyHex())
		return nil
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key of the stored identity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		id, err := identity.Load(cfg.Identity.Path, []byte(cfg.Identity.Password))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.PublicKeyHex())
		return nil
	},
}

var identityVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the stored key decrypts with the configured password",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		if !identity.VerifyFile(cfg.Identity.Path, []byte(cfg.Identity.Password)) {
			return errors.New("identity file cannot be loaded with the configured password")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfg.Identity.Path)
		return nil
	},
}

func init() {
	identityInitCmd.Flags().BoolVar(&identityForce, "force", false, "overwrite an existing key")

	identityCmd.AddCommand(identityInitCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityVerifyCmd)
}
