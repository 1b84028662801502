package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"pkt.systems/deskherd/internal/appconfig"
	"pkt.systems/deskherd/internal/desktop"
	"pkt.systems/deskherd/internal/engine"
)

func newStatusCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show desktop container status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			eng, err := engine.New(engine.Config{Binary: cfg.Engine.Binary})
			if err != nil {
				return err
			}
			manager, err := desktop.NewManager(managerConfig(cfg, eng, nil))
			if err != nil {
				return err
			}

			snap, err := manager.Inspect(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Field", "Value")
			table.Append([]string{"Container", cfg.Desktop.Container})
			table.Append([]string{"State", string(snap.State)})
			if snap.ID != "" {
				table.Append([]string{"ID", shortID(snap.ID)})
			}
			if snap.Image != "" {
				table.Append([]string{"Image", snap.Image})
			}
			if snap.State == engine.StateRunning {
				resolution := snap.Resolution
				if resolution == "" {
					resolution = "unknown"
				}
				if !snap.ResolutionOK {
					resolution = fmt.Sprintf("%s (want %s)", resolution, cfg.Desktop.Resolution)
				}
				table.Append([]string{"Resolution", resolution})
				table.Append([]string{"VNC", vncEndpoint(cfg, snap.PortOpen)})
			}
			table.Render()

			if len(snap.Processes) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				programs := tablewriter.NewWriter(cmd.OutOrStdout())
				programs.Header("Program", "State")
				for _, p := range snap.Processes {
					programs.Append([]string{p.Name, p.State})
				}
				programs.Render()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func vncEndpoint(cfg appconfig.Config, open bool) string {
	addr := net.JoinHostPort(cfg.Desktop.HostIP, strconv.Itoa(cfg.Desktop.HostPort))
	if open {
		return addr + " (open)"
	}
	return addr + " (closed)"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
