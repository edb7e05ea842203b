package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certledger/decode"
)

var (
	crlCAFP      string
	crlDeltaBase int64
	crlIssuer    string
	crlDelta     bool
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Store and inspect CRLs",
}

var crlStoreCmd = &cobra.Command{
	Use:   "store <crl-file>",
	Short: "Store an issued CRL (PEM or DER)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		crl, err := decode.ParseCRL(data)
		if err != nil {
			return err
		}
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()
		fingerprint, err := c.ledger.Store(cmd.Context(), crl, crlCAFP, crlDeltaBase, "cli")
		if err != nil {
			return err
		}
		fmt.Println(fingerprint)
		return nil
	},
}

var crlLastCmd = &cobra.Command{
	Use:   "last",
	Short: "Show the last CRL number of an issuer",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()
		number, err := c.ledger.LastNumber(cmd.Context(), crlIssuer, crlDelta)
		if err != nil {
			return err
		}
		fmt.Println(number)
		return nil
	},
}

var crlRevokedCmd = &cobra.Command{
	Use:   "revoked",
	Short: "List the revoked certificates a full CRL for an issuer would contain",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()
		infos, err := c.ledger.RevokedSince(cmd.Context(), crlIssuer, time.Time{})
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s\t%s\t%s\n",
				info.SerialNumber,
				info.Fingerprint,
				info.RevocationDate.Format("2006-01-02T15:04:05Z07:00"),
				info.Reason.String())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.AddCommand(crlStoreCmd)
	crlCmd.AddCommand(crlLastCmd)
	crlCmd.AddCommand(crlRevokedCmd)

	crlStoreCmd.Flags().StringVar(&crlCAFP, "ca-fingerprint", "", "Fingerprint of the issuing CA certificate")
	crlStoreCmd.Flags().Int64Var(&crlDeltaBase, "delta-base", -1, "Base CRL number when storing a delta CRL; -1 for a full CRL")

	crlLastCmd.Flags().StringVar(&crlIssuer, "issuer", "", "Issuer DN")
	crlLastCmd.Flags().BoolVar(&crlDelta, "delta", false, "Query the delta CRL sequence")
	crlLastCmd.MarkFlagRequired("issuer")

	crlRevokedCmd.Flags().StringVar(&crlIssuer, "issuer", "", "Issuer DN")
	crlRevokedCmd.MarkFlagRequired("issuer")
}
