package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/openstack-archive/senlin-sub004/pkg/dispatch"
)

func newActionCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "action",
		Short: "Signal actions on a running engine",
		Long: `Send action signals to a running engine over its dispatch API.

Signals are recorded in the database and observed by the executing engine at
its next checkpoint; cancel and suspend therefore take effect between
operation steps, not mid-step.`,
	}

	cmd.PersistentFlags().StringVar(&endpoint, "endpoint", defaultEndpoint, "engine dispatch API endpoint")

	cmd.AddCommand(newActionSignalCommand(&endpoint, dispatch.MethodStartAction, "start", "Ask the engine to claim and execute a ready action"))
	cmd.AddCommand(newActionSignalCommand(&endpoint, dispatch.MethodCancelAction, "cancel", "Cancel a pending or running action"))
	cmd.AddCommand(newActionSignalCommand(&endpoint, dispatch.MethodSuspendAction, "suspend", "Suspend a running action at its next checkpoint"))
	cmd.AddCommand(newActionSignalCommand(&endpoint, dispatch.MethodResumeAction, "resume", "Resume a suspended action"))

	return cmd
}

func newActionSignalCommand(endpoint *string, method, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <action-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionID := args[0]

			var result map[string]bool
			err := callEngine(cmd.Context(), http.MethodPost, *endpoint, "/v1/actions/"+method,
				dispatch.ActionRequest{ActionID: actionID}, &result)
			if err != nil {
				return err
			}

			if method == dispatch.MethodStartAction && !result["claimed"] && !result["ok"] {
				fmt.Printf("Action %s was not claimable (already owned or not ready)\n", actionID)
				return nil
			}
			fmt.Printf("Action %s: %s accepted\n", actionID, method)
			return nil
		},
	}
}
