package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ureka/adblink/internal/auth"
	"github.com/1ureka/adblink/internal/config"
	"github.com/1ureka/adblink/internal/util"
)

func keygenCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new adbkey pair and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := auth.NewFileStore(cfg.KeyDir)
			if err != nil {
				return err
			}
			key, err := store.GenerateKey()
			if err != nil {
				return err
			}
			pub, err := auth.PublicKeyString(&key.PublicKey)
			if err != nil {
				return err
			}
			util.LogInfo("new key stored in %s", store.Dir)
			fmt.Println(pub)
			return nil
		},
	}
}
