package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/aamat-dev/crew-ia/internal/vault"
	"github.com/spf13/cobra"
)

var secretFlags struct {
	value       string
	file        string
	description string
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted provider secrets",
	Long: `Manage encrypted provider secrets.

A provider entry with api_key: "secret:<name>" reads its key from here.
The vault passphrase comes from vault.passphrase or CREW_VAULT_PASSPHRASE.`,
}

func init() {
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret from --value, --file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: withSecrets(func(s *vault.Secrets, args []string) error {
			value, err := secretValue()
			if err != nil {
				return err
			}
			if err := s.Set(args[0], secretFlags.description, value); err != nil {
				return err
			}
			fmt.Printf("Secret %q saved\n", args[0])
			return nil
		}),
	}
	set.Flags().StringVar(&secretFlags.value, "value", "", "secret value")
	set.Flags().StringVar(&secretFlags.file, "file", "", "read the secret from a file")
	set.Flags().StringVar(&secretFlags.description, "description", "", "free-form description")

	secretCmd.AddCommand(set,
		&cobra.Command{
			Use:   "get <name>",
			Short: "Decrypt and print a secret",
			Args:  cobra.ExactArgs(1),
			RunE: withSecrets(func(s *vault.Secrets, args []string) error {
				value, err := s.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Println(value)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List secrets (metadata only)",
			Args:  cobra.NoArgs,
			RunE: withSecrets(func(s *vault.Secrets, args []string) error {
				secrets, err := s.List()
				if err != nil {
					return err
				}
				if len(secrets) == 0 {
					fmt.Println("No secrets stored.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
				for _, sec := range secrets {
					fmt.Fprintf(w, "%s\t%s\t%s\n", sec.Name, sec.Description, sec.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a secret",
			Args:  cobra.ExactArgs(1),
			RunE: withSecrets(func(s *vault.Secrets, args []string) error {
				if err := s.Delete(args[0]); err != nil {
					return err
				}
				fmt.Printf("Secret %q deleted\n", args[0])
				return nil
			}),
		},
	)
}

func secretValue() ([]byte, error) {
	switch {
	case secretFlags.value != "" && secretFlags.file != "":
		return nil, fmt.Errorf("use only one of --value and --file")
	case secretFlags.value != "":
		return []byte(secretFlags.value), nil
	case secretFlags.file != "":
		data, err := os.ReadFile(secretFlags.file)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return []byte(value), nil
}

func withSecrets(fn func(*vault.Secrets, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return err
		}
		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		return fn(vault.NewSecrets(v, db), args)
	}
}
