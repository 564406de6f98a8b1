// Command packagefsctl is the operator-facing client for packagefsd's
// control socket: activate, deactivate, and reactivate package archives,
// and inspect the activation file a volume was last told to load.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/distr1/packagefs/internal/activation"
	"github.com/distr1/packagefs/internal/control"
)

var rootCmd = &cobra.Command{
	Use:   "packagefsctl",
	Short: "Control packagefsd package activation",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "packagefsctl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("socket", "/run/packagefs/control.sock", "control socket path")
	rootCmd.PersistentFlags().String("activation-file", "", "on-disk activation file (required for list; its directory is the packages directory activate/deactivate/reactivate name, current directory if unset)")

	rootCmd.AddCommand(activateCmd(activation.Activate, "activate", "Activate one or more package archives"))
	rootCmd.AddCommand(activateCmd(activation.Deactivate, "deactivate", "Deactivate one or more active package archives"))
	rootCmd.AddCommand(activateCmd(activation.Reactivate, "reactivate", "Reload one or more already-active package archives"))
	rootCmd.AddCommand(listCmd)
}

// activateCmd builds the activate/deactivate/reactivate subcommands,
// which differ only in the ItemType they send.
func activateCmd(itemType activation.ItemType, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " FILENAME [FILENAME...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			socketPath, _ := cmd.Flags().GetString("socket")
			parentDir, _ := cmd.Flags().GetString("activation-file")

			parent, err := parentOf(parentDir)
			if err != nil {
				return fmt.Errorf("stat activation file directory: %w", err)
			}

			req := &control.Request{Items: make([]control.Item, len(args))}
			for i, filename := range args {
				req.Items[i] = control.Item{
					Type:              itemType,
					ParentDeviceID:    parent.device,
					ParentDirectoryID: parent.inode,
					Name:              filename,
				}
			}

			client := control.NewClient(socketPath)
			if err := client.Apply(req); err != nil {
				return fmt.Errorf("apply activation change: %w", err)
			}

			for _, filename := range args {
				fmt.Printf("%s: %s\n", use, filename)
			}
			return nil
		},
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the package filenames recorded in an activation file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("activation-file")
		if path == "" {
			return fmt.Errorf("--activation-file is required")
		}

		names, err := control.ReadActivationFile(path)
		if err != nil {
			return fmt.Errorf("read activation file: %w", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

type parentID struct {
	device uint32
	inode  uint64
}

// parentOf stats the directory containing the activation file, since
// that directory is the "parent" device/inode the control socket
// validates an activation request against (spec.md §6).
func parentOf(activationFilePath string) (parentID, error) {
	dir := "."
	if activationFilePath != "" {
		dir = filepath.Dir(activationFilePath)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return parentID{}, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return parentID{}, fmt.Errorf("unsupported platform: no syscall.Stat_t for %s", dir)
	}
	return parentID{device: uint32(st.Dev), inode: st.Ino}, nil
}
