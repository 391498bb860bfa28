package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/bastion/pkg/ca"
	"github.com/cuemby/bastion/pkg/certs"
	"github.com/cuemby/bastion/pkg/crypto"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage certificates",
}

var certInitCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Initialize the embedded certificate authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		embedded, store, err := openCA(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if embedded.IsInitialized() {
			return fmt.Errorf("CA already initialized")
		}
		if err := embedded.Initialize(); err != nil {
			return err
		}
		if err := embedded.SaveToStore(); err != nil {
			return err
		}
		fmt.Println("Certificate authority initialized")
		return nil
	},
}

var certIssueCmd = &cobra.Command{
	Use:   "issue <cert-id>",
	Short: "Issue and store a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		validityDays, _ := cmd.Flags().GetInt("validity-days")
		if subject == "" {
			subject = args[0]
		}

		manager, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		err = manager.Provision(context.Background(), args[0], ca.Request{
			Subject:  subject,
			Validity: time.Duration(validityDays) * 24 * time.Hour,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Certificate %s issued for %q\n", args[0], subject)
		return nil
	},
}

var certRotateCmd = &cobra.Command{
	Use:   "rotate <cert-id>",
	Short: "Rotate a certificate now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := manager.Rotate(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Certificate %s rotated\n", args[0])
		return nil
	},
}

var certInfoCmd = &cobra.Command{
	Use:   "info <cert-id>",
	Short: "Show certificate details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		leaf, err := manager.Leaf(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Subject:    %s\n", leaf.Subject.CommonName)
		fmt.Printf("Issuer:     %s\n", leaf.Issuer.CommonName)
		fmt.Printf("Serial:     %s\n", leaf.SerialNumber)
		fmt.Printf("Not before: %s\n", leaf.NotBefore.Format(time.RFC3339))
		fmt.Printf("Not after:  %s\n", leaf.NotAfter.Format(time.RFC3339))
		fmt.Printf("Remaining:  %s\n", time.Until(leaf.NotAfter).Round(time.Hour))
		return nil
	},
}

func init() {
	certCmd.PersistentFlags().String("data-dir", "/var/lib/bastion", "Data directory")
	certIssueCmd.Flags().String("subject", "", "Certificate subject (defaults to cert id)")
	certIssueCmd.Flags().Int("validity-days", 90, "Certificate validity in days")

	certCmd.AddCommand(certInitCACmd)
	certCmd.AddCommand(certIssueCmd)
	certCmd.AddCommand(certRotateCmd)
	certCmd.AddCommand(certInfoCmd)
}

func openCA(cmd *cobra.Command) (*ca.EmbeddedCA, storage.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, err
	}

	sealer, err := sealerFromEnv()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	embedded := ca.NewEmbeddedCA(store, sealer)
	// Best effort: a fresh data dir has no stored CA yet
	_ = embedded.LoadFromStore()
	return embedded, store, nil
}

func openManager(cmd *cobra.Command) (*certs.Manager, storage.Store, error) {
	embedded, store, err := openCA(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !embedded.IsInitialized() {
		store.Close()
		return nil, nil, fmt.Errorf("CA not initialized, run 'bastion cert init-ca' first")
	}

	sealer, err := sealerFromEnv()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	manager, err := certs.NewManager(context.Background(), certs.NewStore(store, sealer),
		ca.NewRetryClient(embedded, ca.RetryConfig{}), nil, certs.Config{})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return manager, store, nil
}

func sealerFromEnv() (*crypto.Sealer, error) {
	passphrase := os.Getenv("BASTION_SEAL_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("BASTION_SEAL_PASSPHRASE not set")
	}
	return crypto.NewSealerFromPassphrase(passphrase)
}
