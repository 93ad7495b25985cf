package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/jrepp/prefork/pkg/launcher"
)

// maxSlots bounds the per-slot health check loop
const maxSlots = 4096

var (
	statusAddr    string
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor and worker health from the control plane",
	Long: `Query the gRPC health service of a running supervisor. The address
defaults to control_bind from the configuration.

Exits non-zero when the supervisor is not serving.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "control", "", "control plane address (default control_bind)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "overall request timeout")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		addr = v.GetString("control_bind")
	}
	if addr == "" {
		return errors.New("no control plane address: pass --control or set control_bind")
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	overall, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: launcher.ServiceName})
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}

	ux.Header("prefork " + addr)
	ux.KeyValue("supervisor", ux.Health(overall.GetStatus().String()))
	ux.Println("")

	table := ux.NewTable("SLOT", "SERVICE", "STATUS")
	for slot := 0; slot < maxSlots; slot++ {
		service := launcher.SlotService(slot)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if status.Code(err) == codes.NotFound {
			break
		}
		if err != nil {
			return fmt.Errorf("health check %s: %w", service, err)
		}
		table.AddRow(fmt.Sprint(slot), service, ux.Health(resp.GetStatus().String()))
	}
	table.Render()

	if overall.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("supervisor is %s", overall.GetStatus())
	}
	return nil
}
