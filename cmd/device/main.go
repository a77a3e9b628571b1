package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/cli"
	"github.com/bubao/CanMV-K230-Demo/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "device",
		Short:   "Device connectivity and detection controller",
		Version: version.String(),
		Long: `device joins a configured Wi-Fi network and publishes camera detections
over MQTT. When no network can be joined it serves a captive configuration
portal from its own access point.`,
		SilenceUsage: true,
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.PortalCmd())
	rootCmd.AddCommand(cli.NetworksCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	klog.Flush()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
