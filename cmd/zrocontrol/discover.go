package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zrolabs/zrocontrol/internal/ecp"
)

var (
	discoverTimeout time.Duration
	discoverNoInfo  bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run a one-shot device scan",
	Long:  `Scan the local network for streaming devices and print what answered.`,
	Example: `  zrocontrol discover
  zrocontrol discover --timeout 5s --no-info`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 3*time.Second, "How long to listen for responses")
	discoverCmd.Flags().BoolVar(&discoverNoInfo, "no-info", false, "Skip the per-device info fetch")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout+10*time.Second)
	defer cancel()

	devices, err := ecp.Discover(ctx, ecp.DiscoverOptions{
		Timeout:     discoverTimeout,
		InfoTimeout: time.Second,
		FetchInfo:   !discoverNoInfo,
	}, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printDiscoverResult(devices)
	return nil
}

// printDiscoverResult prints the scan result with colors
func printDiscoverResult(devices []ecp.DeviceInfo) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("DEVICE SCAN")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	if len(devices) == 0 {
		yellow.Println("No devices answered.")
		fmt.Println()
		return
	}

	green.Printf("%d device(s) found\n\n", len(devices))

	for _, d := range devices {
		cyan.Printf("%s\n", d.IP)
		if d.Name != "" {
			fmt.Printf("  Name:   %s\n", d.Name)
		}
		if d.Model() != "" {
			fmt.Printf("  Model:  %s\n", d.Model())
		}
		if d.SerialNumber != "" {
			fmt.Printf("  Serial: %s\n", d.SerialNumber)
		}
		if d.Name == "" && d.Model() == "" {
			yellow.Println("  (answered scan but did not report details)")
		}
		fmt.Println()
	}

	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
