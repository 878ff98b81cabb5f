package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/openstack-archive/senlin-sub004/pkg/dispatch"
)

func newHealthCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Manage health-check registrations",
		Long: `Register, unregister, enable or disable periodic health checking for a
cluster.

Registrations are persistent and cluster-wide: any live engine may claim a
registered cluster, and when the claiming engine dies another engine picks
the duty up automatically.`,
	}

	cmd.PersistentFlags().StringVar(&endpoint, "endpoint", defaultEndpoint, "engine dispatch API endpoint")

	cmd.AddCommand(newHealthRegisterCommand(&endpoint))
	cmd.AddCommand(newHealthUnregisterCommand(&endpoint))
	cmd.AddCommand(newHealthEnableCommand(&endpoint, true))
	cmd.AddCommand(newHealthEnableCommand(&endpoint, false))

	return cmd
}

func newHealthRegisterCommand(endpoint *string) *cobra.Command {
	var (
		checkType string
		interval  time.Duration
		params    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "register <cluster-id>",
		Short: "Register a cluster for periodic health checks",
		Example: `  # Register with defaults (node status polling every 60s)
  senlin-engine health register web-cluster

  # Register with a custom interval
  senlin-engine health register web-cluster --interval 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID := args[0]

			req := dispatch.RegisterClusterRequest{
				ClusterID:       clusterID,
				CheckType:       checkType,
				IntervalSeconds: int64(interval / time.Second),
			}
			if len(params) > 0 {
				req.Params = make(map[string]interface{}, len(params))
				for k, v := range params {
					req.Params[k] = v
				}
			}

			if err := callEngine(cmd.Context(), http.MethodPost, *endpoint, "/v1/health/registry", req, nil); err != nil {
				return err
			}
			fmt.Printf("Cluster %s registered for health checks\n", clusterID)
			return nil
		},
	}

	cmd.Flags().StringVar(&checkType, "check-type", "", "health check type (default NODE_STATUS_POLLING)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "check interval (default 60s)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "check parameters (key=value)")

	return cmd
}

func newHealthUnregisterCommand(endpoint *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <cluster-id>",
		Short: "Remove a cluster's health-check registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID := args[0]

			path := "/v1/health/registry?cluster_id=" + url.QueryEscape(clusterID)
			if err := callEngine(cmd.Context(), http.MethodDelete, *endpoint, path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Cluster %s unregistered\n", clusterID)
			return nil
		},
	}
}

func newHealthEnableCommand(endpoint *string, enable bool) *cobra.Command {
	use := "enable"
	short := "Resume health checks for a cluster"
	if !enable {
		use = "disable"
		short = "Pause health checks without dropping the registration"
	}

	return &cobra.Command{
		Use:   use + " <cluster-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID := args[0]

			req := dispatch.ClusterRequest{ClusterID: clusterID}
			if err := callEngine(cmd.Context(), http.MethodPost, *endpoint, "/v1/health/"+use, req, nil); err != nil {
				return err
			}
			fmt.Printf("Health checks for cluster %s %sd\n", clusterID, use)
			return nil
		},
	}
}
