package cli

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/bubao/CanMV-K230-Demo/internal/orchestrator"
	"github.com/bubao/CanMV-K230-Demo/internal/store"
	"github.com/bubao/CanMV-K230-Demo/pkg/config"
)

// RunCmd returns the run command: connect, or fall back to the portal
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join a configured network and run the detection cycle",
		Long: `Load the device configuration and try each enabled network in order.
On success the clock is synchronized, the MQTT sink is connected and the
detection cycle runs until interrupted. When no network can be joined the
captive configuration portal is started instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd, false)
		},
	}
}

// PortalCmd returns the portal command: start the captive portal directly
func PortalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portal",
		Short: "Start the captive configuration portal",
		Long: `Bring up the access point and serve the configuration portal without
trying the stored networks. A reset from the portal reloads the configuration
and continues as the run command would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd, true)
		},
	}
}

func runOrchestrator(cmd *cobra.Command, forcePortal bool) error {
	settings := config.Load()
	app := orchestrator.AppContext{
		Store:    store.New(settings.ConfigPath),
		Settings: settings,
	}

	opts := orchestrator.DeviceOptions(settings)
	opts.ForcePortal = forcePortal

	o := orchestrator.New(app, orchestrator.DeviceDeps(settings), opts)
	klog.Infof("Lifecycle: starting with config %s", app.Store.Path())
	defer klog.Flush()
	return o.Run(cmd.Context())
}
