package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dockhand/internal/history"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage VPN remote-access clients",
}

var clientAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Provision a client with a key pair and pool address",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientAdd,
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Archive a client and release its address",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientDelete,
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned clients",
	Args:  cobra.NoArgs,
	RunE:  runClientList,
}

var clientResetKeysCmd = &cobra.Command{
	Use:   "reset-keys",
	Short: "Rotate the server key pair and rewrite every client config",
	Args:  cobra.NoArgs,
	RunE:  runClientResetKeys,
}

func init() {
	clientCmd.AddCommand(clientAddCmd, clientDeleteCmd, clientListCmd, clientResetKeysCmd)
	rootCmd.AddCommand(clientCmd)
}

func runClientAdd(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	lock, err := acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	manager, err := newWireGuardManager()
	if err != nil {
		return err
	}
	record, err := manager.AddClient(args[0])
	if err != nil {
		return err
	}
	if err := updateAssignments(func(assignments map[string]string) {
		assignments[record.Name] = record.Address.String()
	}); err != nil {
		logger.Warn("snapshot update failed", zap.Error(err))
	}
	recordVPNEvent(record.Name, "client added at "+record.Address.String())

	confPath, _ := manager.ClientConfigPath(record.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "client %s provisioned\n  address: %s\n  config:  %s\n  qr code: %s\n",
		record.Name, record.Address, confPath, filepath.Join(filepath.Dir(confPath), "client.png"))
	return nil
}

func runClientDelete(cmd *cobra.Command, args []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	lock, err := acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	manager, err := newWireGuardManager()
	if err != nil {
		return err
	}
	if err := manager.DeleteClient(args[0]); err != nil {
		return err
	}
	if err := updateAssignments(func(assignments map[string]string) {
		delete(assignments, args[0])
	}); err != nil {
		logger.Warn("snapshot update failed", zap.Error(err))
	}
	recordVPNEvent(args[0], "client archived")
	fmt.Fprintf(cmd.OutOrStdout(), "client %s archived\n", args[0])
	return nil
}

func runClientList(cmd *cobra.Command, _ []string) error {
	manager, err := newWireGuardManager()
	if err != nil {
		return err
	}
	clients, err := manager.ListClients()
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no clients provisioned")
		return nil
	}
	for _, c := range clients {
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-16s created %s\n",
			c.Name, c.Address, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runClientResetKeys(cmd *cobra.Command, _ []string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	lock, err := acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	manager, err := newWireGuardManager()
	if err != nil {
		return err
	}
	if err := manager.ResetServerKeys(); err != nil {
		return err
	}
	recordVPNEvent("", "server keys rotated")
	fmt.Fprintln(cmd.OutOrStdout(), "server keys rotated; client configs rewritten")
	return nil
}

func updateAssignments(mutate func(map[string]string)) error {
	store := stateStore()
	snap, quarantined, err := store.Load()
	if err != nil {
		return err
	}
	if quarantined != "" {
		logger.Warn("unreadable snapshot quarantined", zap.String("path", quarantined))
	}
	if snap.IPAssignments == nil {
		snap.IPAssignments = make(map[string]string)
	}
	mutate(snap.IPAssignments)
	return store.Save(snap)
}

func recordVPNEvent(client, detail string) {
	hist := openHistory()
	if hist == nil {
		return
	}
	defer hist.Close()
	if err := hist.Record(newPassID(), history.KindVPN, client, detail); err != nil {
		logger.Warn("history record failed", zap.Error(err))
	}
}
