package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/bus"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/queue"
)

var pushDuration int

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send a command or recommendation to a running loopd over Redis",
}

var pushBolusCmd = &cobra.Command{
	Use:   "bolus <units>",
	Short: "Request a bolus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		units, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("units: %w", err)
		}
		return pushCommand(bus.CommandRequest{Kind: queue.KindDeliverBolus, Payload: queue.Payload{Units: units}, Source: "user"})
	},
}

var pushTempCmd = &cobra.Command{
	Use:   "temp <rate U/h>",
	Short: "Request an absolute temporary basal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		return pushCommand(bus.CommandRequest{
			Kind:    queue.KindSetTempAbsolute,
			Payload: queue.Payload{Rate: rate, DurationMinutes: pushDuration},
			Source:  "user",
		})
	},
}

var pushCancelCmd = &cobra.Command{
	Use:   "cancel-temp",
	Short: "Cancel the running temporary basal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pushCommand(bus.CommandRequest{Kind: queue.KindCancelTemp, Source: "user"})
	},
}

var pushStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Request a status read",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pushCommand(bus.CommandRequest{Kind: queue.KindReadStatus, Source: "user"})
	},
}

var pushProfileCmd = &cobra.Command{
	Use:   "profile <name>",
	Short: "Switch the pump to a stored basal profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return pushCommand(bus.CommandRequest{Kind: queue.KindSetProfile, Payload: queue.Payload{ProfileName: args[0]}, Source: "user"})
	},
}

var pushRecCmd = &cobra.Command{
	Use:   "recommendation <file|->",
	Short: "Push a recommendation JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		var rec dosing.Recommendation
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("parse recommendation: %w", err)
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		in, closeFn, err := connectIntake()
		if err != nil {
			return err
		}
		defer closeFn()
		id, err := in.Push(context.Background(), rec)
		if err != nil {
			return err
		}
		fmt.Printf("queued recommendation %s\n", id)
		return nil
	},
}

func init() {
	pushTempCmd.Flags().IntVar(&pushDuration, "duration", 30, "duration in minutes")

	pushCmd.AddCommand(pushBolusCmd)
	pushCmd.AddCommand(pushTempCmd)
	pushCmd.AddCommand(pushCancelCmd)
	pushCmd.AddCommand(pushStatusCmd)
	pushCmd.AddCommand(pushProfileCmd)
	pushCmd.AddCommand(pushRecCmd)
}

func connectIntake() (*bus.Intake, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisURL == "" {
		return nil, nil, errors.New("redis_url is not configured\nSet LOOP_REDIS_URL environment variable")
	}
	rdb, err := bus.ConnectRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return bus.NewIntake(rdb, "loopctl", 0), rdb.Close, nil
}

func pushCommand(req bus.CommandRequest) error {
	in, closeFn, err := connectIntake()
	if err != nil {
		return err
	}
	defer closeFn()
	id, err := in.PushCommand(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("queued %s as %s\n", req.Kind, id)
	return nil
}
