package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dataDir       string
	postgresDSN   string
	protectOn     bool
	protectKey    string
	webhookURL    string
	webhookHeader string
)

var rootCmd = &cobra.Command{
	Use:   "certledger",
	Short: "certledger is a certificate and CRL record store",
	Long: `A durable store for issued certificates, revocation state and CRLs,
with tamper-evidence sealing and best-effort publisher fan-out.
Complete documentation is available at https://github.com/jmcleod/certledger`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data (bbolt backend)")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL DSN; overrides the bbolt backend when set")
	rootCmd.PersistentFlags().BoolVar(&protectOn, "protect", false, "Enable tamper-evidence sealing of certificate records")
	rootCmd.PersistentFlags().StringVar(&protectKey, "protect-key", "", "HMAC key for tamper-evidence sealing (min 16 bytes)")
	rootCmd.PersistentFlags().StringVar(&webhookURL, "publisher-webhook-url", "", "Register a webhook publisher (id 1) delivering store/revoke events to this URL")
	rootCmd.PersistentFlags().StringVar(&webhookHeader, "publisher-webhook-header", "", "Extra header for webhook deliveries, as 'Name: Value'")
}
