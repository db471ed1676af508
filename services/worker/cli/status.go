package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	redisstore "github.com/ynop/vespene/internal/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status <pool>",
	Short: "List the live daemons of a worker pool",
	Long: `Print the last heartbeat of every daemon serving the pool.

Requires redis_addr; daemons started without Redis do not report.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(_ *cobra.Command, args []string) error {
	addr := viper.GetString("redis_addr")
	if addr == "" {
		return errors.New("redis_addr is not configured")
	}
	client := redisstore.NewClient(addr)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	daemons, err := redisstore.NewStatusStore(client, redisstore.DefaultHeartbeatTTL).List(ctx, args[0])
	if err != nil {
		return err
	}
	if len(daemons) == 0 {
		fmt.Printf("no live daemons in pool %q\n", args[0])
		return nil
	}

	fmt.Printf("%-28s %9s %9s %9s  %-20s  %s\n", "WORKER", "REMAINING", "PROCESSED", "LAST", "LAST TICK", "ERROR")
	for _, d := range daemons {
		remaining := "-"
		if d.Remaining >= 0 {
			remaining = fmt.Sprint(d.Remaining)
		}
		fmt.Printf("%-28s %9s %9d %9d  %-20s  %s\n",
			d.WorkerID, remaining, d.Processed, d.LastBuildID,
			d.LastTickAt.Format(time.DateTime), d.LastTickError)
	}
	return nil
}
