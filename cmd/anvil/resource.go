package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudforge/anvil/pkg/client"
	"github.com/cloudforge/anvil/pkg/types"
)

// Resource commands talk to a running control plane over its HTTP API.
var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage fleet resources through a running control plane",
}

func init() {
	resourceCmd.PersistentFlags().String("server", "http://localhost:8080", "Control plane API address")

	resourceCmd.AddCommand(resourceCreateCmd)
	resourceCmd.AddCommand(resourceGetCmd)
	resourceCmd.AddCommand(resourceListCmd)
	resourceCmd.AddCommand(resourceDeleteCmd)
	resourceCmd.AddCommand(resourceHistoryCmd)
	resourceCmd.AddCommand(resourceReconcileCmd)

	resourceCreateCmd.Flags().String("payload", "{}", "Resource payload as a JSON object")
	resourceCreateCmd.Flags().String("payload-file", "", "Read the payload from a JSON file instead")
}

func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

func parseKindArg(arg string) (types.Kind, error) {
	kind, err := types.ParseKind(arg)
	if err != nil {
		return "", fmt.Errorf("%w (valid kinds: %v)", err, types.AllKinds())
	}
	return kind, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printView(view *client.ResourceView) {
	fmt.Printf("ID:            %s\n", view.ID)
	fmt.Printf("Kind:          %s\n", view.Kind)
	fmt.Printf("State:         %s\n", view.State.Name)
	if len(view.State.Detail) > 0 {
		fmt.Printf("Detail:        %s\n", string(view.State.Detail))
	}
	fmt.Printf("Version:       %d\n", view.Version)
	fmt.Printf("Time in state: %s\n", view.TimeInState)
	if view.SLA.SLA > 0 {
		fmt.Printf("SLA:           %s", view.SLA.SLA)
		if view.SLA.AboveSLA {
			fmt.Printf("  (EXCEEDED)")
		}
		fmt.Println()
	}
	if view.LastOutcome != "" {
		fmt.Printf("Last outcome:  %s", view.LastOutcome)
		if view.LastReason != "" {
			fmt.Printf(" (%s)", view.LastReason)
		}
		fmt.Println()
	}
}

var resourceCreateCmd = &cobra.Command{
	Use:   "create KIND ID",
	Short: "Register a new resource in its kind's initial state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKindArg(args[0])
		if err != nil {
			return err
		}

		payload, _ := cmd.Flags().GetString("payload")
		payloadFile, _ := cmd.Flags().GetString("payload-file")
		raw := json.RawMessage(payload)
		if payloadFile != "" {
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("failed to read payload file: %w", err)
			}
			raw = data
		}
		if !json.Valid(raw) {
			return fmt.Errorf("payload is not valid JSON")
		}

		ctx, cancel := commandContext()
		defer cancel()
		view, err := apiClient(cmd).CreateResource(ctx, kind, args[1], raw)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Created %s/%s in state %q\n", kind, view.ID, view.State.Name)
		return nil
	},
}

var resourceGetCmd = &cobra.Command{
	Use:   "get KIND ID",
	Short: "Show a resource and its SLA verdict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKindArg(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		view, err := apiClient(cmd).GetResource(ctx, kind, args[1])
		if err != nil {
			return err
		}
		printView(view)
		return nil
	},
}

var resourceListCmd = &cobra.Command{
	Use:   "list KIND",
	Short: "List resources of a kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKindArg(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		ids, err := apiClient(cmd).ListResources(ctx, kind)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Printf("No %s resources found\n", kind)
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var resourceDeleteCmd = &cobra.Command{
	Use:   "delete KIND ID",
	Short: "Request teardown of a resource",
	Long: `Request teardown of a resource. Deletion is not synchronous: the
resource's controller walks it through its declared deletion path
(releasing reservations, powering machines off) before it is removed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKindArg(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		if err := apiClient(cmd).DeleteResource(ctx, kind, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Deletion requested for %s/%s\n", kind, args[1])
		return nil
	},
}

var resourceHistoryCmd = &cobra.Command{
	Use:   "history KIND ID",
	Short: "Show a resource's transition history, oldest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKindArg(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		entries, err := apiClient(cmd).History(ctx, kind, args[1])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No transitions recorded")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s -> %s", e.Timestamp.Format(time.RFC3339), e.PriorState.Name, e.NewState.Name)
			if e.Reason != "" {
				fmt.Printf("  (%s)", e.Reason)
			}
			fmt.Println()
		}
		return nil
	},
}

var resourceReconcileCmd = &cobra.Command{
	Use:   "reconcile KIND ID",
	Short: "Make a resource due for reconciliation now",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKindArg(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		if err := apiClient(cmd).RequestReconciliation(ctx, kind, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Queued %s/%s\n", kind, args[1])
		return nil
	},
}
