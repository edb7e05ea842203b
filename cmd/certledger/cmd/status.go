package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certledger/storage"
)

var (
	statusIssuer string
	statusSerial string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the revocation status of a certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()
		info, err := c.registry.RevocationStatus(cmd.Context(), statusIssuer, statusSerial)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Println("unknown certificate")
				return nil
			}
			return err
		}
		if info.Revoked() {
			fmt.Printf("revoked\t%s\t%s\n", info.Reason.String(), info.RevocationDate.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		}
		fmt.Printf("%s\n", info.Status.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusIssuer, "issuer", "", "Issuer DN")
	statusCmd.Flags().StringVar(&statusSerial, "serial", "", "Serial number (decimal)")
	statusCmd.MarkFlagRequired("issuer")
	statusCmd.MarkFlagRequired("serial")
}
