package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certledger/storage"
)

var (
	revokeIssuer      string
	revokeSerial      string
	revokeFingerprint string
	revokeReasonStr   string
	revokePublishers  []int
	removeFromCRL     bool
)

var revokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, err := parseReason(revokeReasonStr)
		if err != nil {
			return err
		}
		if !reason.Revokes() {
			return fmt.Errorf("%q does not revoke; use the unrevoke command to release a hold", revokeReasonStr)
		}
		return applyTransition(cmd, reason)
	},
}

var unrevokeCmd = &cobra.Command{
	Use:   "unrevoke",
	Short: "Release a certificate from hold",
	Long: `Releases a certificate revoked with reason certificate_hold back to
active. With --remove-from-crl the release is stamped so the next delta CRL
tells relying parties to drop the certificate from their revoked set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := storage.ReasonNotRevoked
		if removeFromCRL {
			reason = storage.ReasonRemoveFromCRL
		}
		return applyTransition(cmd, reason)
	},
}

func applyTransition(cmd *cobra.Command, reason storage.Reason) error {
	if revokeFingerprint == "" && (revokeIssuer == "" || revokeSerial == "") {
		return fmt.Errorf("either --fingerprint or both --issuer and --serial are required")
	}
	logger := newLogger()
	c, err := buildCore(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer c.close()

	if revokeFingerprint != "" {
		err = c.machine.SetRevocationStatusByFingerprint(cmd.Context(), revokeFingerprint, reason, revokePublishers, "cli")
	} else {
		err = c.machine.SetRevocationStatus(cmd.Context(), revokeIssuer, revokeSerial, reason, revokePublishers, "cli")
	}
	if err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

var bulkRevokeIssuer string

var revokeIssuerCmd = &cobra.Command{
	Use:   "revoke-issuer",
	Short: "Revoke every certificate of a decommissioned issuer",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, err := parseReason(revokeReasonStr)
		if err != nil {
			return err
		}
		if !reason.Revokes() {
			return fmt.Errorf("%q is not a revocation reason", revokeReasonStr)
		}
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()
		changed, err := c.machine.BulkRevokeByIssuer(cmd.Context(), bulkRevokeIssuer, reason, "cli")
		if err != nil {
			return err
		}
		fmt.Printf("Revoked %d certificates\n", changed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().StringVar(&revokeIssuer, "issuer", "", "Issuer DN of the certificate")
	revokeCmd.Flags().StringVar(&revokeSerial, "serial", "", "Serial number (decimal)")
	revokeCmd.Flags().StringVar(&revokeFingerprint, "fingerprint", "", "Certificate fingerprint")
	revokeCmd.Flags().StringVar(&revokeReasonStr, "reason", "unspecified", "Revocation reason (name or code)")
	revokeCmd.Flags().IntSliceVar(&revokePublishers, "publishers", nil, "Publisher ids to fan the revocation out to")

	rootCmd.AddCommand(unrevokeCmd)
	unrevokeCmd.Flags().StringVar(&revokeIssuer, "issuer", "", "Issuer DN of the certificate")
	unrevokeCmd.Flags().StringVar(&revokeSerial, "serial", "", "Serial number (decimal)")
	unrevokeCmd.Flags().StringVar(&revokeFingerprint, "fingerprint", "", "Certificate fingerprint")
	unrevokeCmd.Flags().BoolVar(&removeFromCRL, "remove-from-crl", false, "Mark the release for the next delta CRL")

	rootCmd.AddCommand(revokeIssuerCmd)
	revokeIssuerCmd.Flags().StringVar(&bulkRevokeIssuer, "issuer", "", "Issuer DN being decommissioned")
	revokeIssuerCmd.Flags().StringVar(&revokeReasonStr, "reason", "cessation_of_operation", "Revocation reason (name or code)")
	revokeIssuerCmd.MarkFlagRequired("issuer")
}
