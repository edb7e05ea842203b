package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certledger/certstore"
	"github.com/jmcleod/certledger/decode"
	"github.com/jmcleod/certledger/storage"
)

var (
	storeUsername  string
	storePassword  string
	storeCAFP      string
	storeProfileID int
	storeType      int
	storeTag       string
	storeHistory   bool
)

var storeCmd = &cobra.Command{
	Use:   "store <certificate-file>",
	Short: "Store an issued certificate (PEM or DER)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cert, err := decode.ParseCertificate(data)
		if err != nil {
			return err
		}
		logger := newLogger()
		c, err := buildCore(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer c.close()

		rec, err := c.registry.Store(cmd.Context(), cert, certstore.StoreParams{
			Username:      storeUsername,
			CAFingerprint: storeCAFP,
			Status:        storage.StatusActive,
			Type:          storage.CertType(storeType),
			ProfileID:     storeProfileID,
			Tag:           storeTag,
		})
		if err != nil {
			return err
		}
		if storeHistory {
			err = c.history.Add(cmd.Context(), certstore.HistoryParams{
				Fingerprint:  rec.Fingerprint,
				SerialNumber: rec.SerialNumber,
				IssuerDN:     rec.IssuerDN,
				Username:     storeUsername,
				Password:     storePassword,
				SubjectDN:    rec.SubjectDN,
				ProfileID:    storeProfileID,
			}, "cli")
			if err != nil {
				return err
			}
		}
		fmt.Println(rec.Fingerprint)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.Flags().StringVar(&storeUsername, "username", "", "Owning identity")
	storeCmd.Flags().StringVar(&storePassword, "password", "", "Credential to freeze in the request history")
	storeCmd.Flags().StringVar(&storeCAFP, "ca-fingerprint", "", "Fingerprint of the issuing CA certificate")
	storeCmd.Flags().IntVar(&storeProfileID, "profile", certstore.ProfileEndUser, "Certificate profile id")
	storeCmd.Flags().IntVar(&storeType, "type", int(storage.TypeEndEntity), "Certificate type bitmask")
	storeCmd.Flags().StringVar(&storeTag, "tag", "", "Opaque caller-defined tag")
	storeCmd.Flags().BoolVar(&storeHistory, "with-history", true, "Freeze a request-history snapshot alongside the record")
	storeCmd.MarkFlagRequired("username")
}
