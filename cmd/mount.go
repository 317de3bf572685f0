package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcana-framework/arcana-go/internal/treefs"
	"github.com/spf13/cobra"
)

var mountCmd = &cobra.Command{
	Use:   "mount [dataset] [mountpoint]",
	Short: "Serve a dataset tree over NFS, optionally mounting it locally",
	Long: `Projects the populated dataset tree as a read-only filesystem and
serves it over NFS. With a mountpoint argument the share is also mounted
locally (requires sudo). The projection refreshes when files under the
store root change.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ds, err := openDataset(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		view := treefs.New(ds)
		if err := view.Refresh(ctx); err != nil {
			return err
		}

		server, err := treefs.NewServer(view)
		if err != nil {
			return err
		}
		defer func() { _ = server.Close() }()
		fmt.Printf("Serving %s on nfs://localhost:%d/\n", ds.Name, server.Port())

		// Re-project the tree whenever the store root changes on disk.
		go func() {
			err := store.Watch(ctx, ds, func() {
				if err := view.Refresh(ctx); err != nil {
					fmt.Printf("refresh failed: %v\n", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				fmt.Printf("watch stopped: %v\n", err)
			}
		}()

		mountpoint := ""
		if len(args) == 2 {
			mountpoint = args[1]
			if err := treefs.Mount(server.Port(), mountpoint); err != nil {
				return err
			}
			fmt.Printf("Mounted at %s (read-only). Ctrl-C to stop.\n", mountpoint)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		if mountpoint != "" {
			if err := treefs.Unmount(mountpoint); err != nil {
				fmt.Println(err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
}
