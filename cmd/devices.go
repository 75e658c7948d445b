package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrGrillet/Light-box-besktop/config"
	"github.com/MrGrillet/Light-box-besktop/storage"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "list paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		devices, err := store.ListDevices()
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("no paired devices")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPLATFORM\tSTATUS\tLAST SEEN\tADDRESS\tDEVICE ID")
		for _, device := range devices {
			lastSeen := "-"
			if device.LastSeenTimestamp != nil {
				lastSeen = time.UnixMilli(*device.LastSeenTimestamp).Format(time.RFC3339)
			}
			address := "-"
			if device.LastKnownAddress != nil && *device.LastKnownAddress != "" {
				address = *device.LastKnownAddress
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				device.DeviceName, device.Platform, device.Status, lastSeen, address, device.DeviceID)
		}
		return w.Flush()
	},
}

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events device-id",
	Short: "show recent connection events for one device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.RecentConnectionEvents(args[0], eventsLimit)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("no events recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tDETAIL")
		for _, event := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				time.UnixMilli(event.Timestamp).Format(time.RFC3339), event.Event, event.Detail)
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "maximum events to show")
}

func openStore() (*storage.Store, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	store, err := storage.OpenPath(filepath.Join(dataDir, storage.DefaultDBFileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}
