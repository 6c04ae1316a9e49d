package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var phonebookCmd = &cobra.Command{
	Use:   "phonebook",
	Short: "Inspect router phonebooks",
}

var phonebookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the phonebooks available on the router",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		client := newPhonebookClient(cfg)

		ids, err := client.ListPhonebooks(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing phonebooks: %w", err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("no phonebooks found on %s", cfg.FritzBox.Host)
		}
		for _, id := range ids {
			info, err := client.Phonebook(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("reading phonebook %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", info.ID, info.Name)
		}
		return nil
	},
}

var phonebookLookupCmd = &cobra.Command{
	Use:   "lookup <number>...",
	Short: "Resolve numbers against the configured phonebook",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		refresher := newRefresher(cfg, log, nil)
		idx, err := refresher.Refresh(cmd.Context(), true)
		if err != nil {
			return fmt.Errorf("loading phonebook %d: %w", cfg.FritzBox.PhonebookID, err)
		}
		for _, number := range args {
			c := idx.Lookup(number)
			vip := ""
			if c.VIP {
				vip = "\tVIP"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s%s\n", number, c.Name, c.Number, vip)
		}
		return nil
	},
}

func init() {
	phonebookCmd.AddCommand(phonebookListCmd)
	phonebookCmd.AddCommand(phonebookLookupCmd)
}
