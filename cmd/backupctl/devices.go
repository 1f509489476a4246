package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/usecase"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List and revoke account devices",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesRevokeCmd())
	return cmd
}

func deviceService() (*usecase.DeviceService, error) {
	client, err := newMatrixClient()
	if err != nil {
		return nil, err
	}
	return usecase.NewDeviceService(client, newDevicePrompter(), cfg.UserID, cfg.DeviceID), nil
}

// devicesListCmd はデバイス一覧を表示する。
func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List devices of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := deviceService()
			if err != nil {
				return err
			}
			devices, err := svc.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), devices)
			}
			return printDevices(cmd.OutOrStdout(), devices, svc.CurrentDeviceID())
		},
	}
}

// devicesRevokeCmd は指定したデバイスを削除する。
func devicesRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke DEVICE_ID",
		Short: "Delete a device, answering a password challenge if required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := deviceService()
			if err != nil {
				return err
			}
			if err := svc.RevokeDevice(cmd.Context(), args[0], usecase.RevokeOptions{AssumeYes: assumeYes}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted device %s\n", args[0])
			return nil
		},
	}
}

// printDevices はデバイス一覧を表形式で出力する。使用中のデバイスには * を付ける。
func printDevices(out io.Writer, devices []domain.Device, current string) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\tDEVICE ID\tNAME\tLAST SEEN IP\tLAST SEEN")
	for _, d := range devices {
		marker := ""
		if d.DeviceID == current {
			marker = "*"
		}
		lastSeen := "-"
		if d.LastSeenTS > 0 {
			lastSeen = time.UnixMilli(d.LastSeenTS).UTC().Format("2006-01-02 15:04:05")
		}
		ip := d.LastSeenIP
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, d.DeviceID, d.DisplayName, ip, lastSeen)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
