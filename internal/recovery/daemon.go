package recovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/lotview/inspectd/internal/ledger"
	"github.com/lotview/inspectd/internal/pipeline"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "*/5 * * * *"

// sweepExpiredBlocks deactivates report blocks past their expiry date.
func sweepExpiredBlocks(gdb *gorm.DB) (int64, error) {
	return ledger.DeactivateExpiredBlocks(gdb)
}

// RunDaemon runs the recovery sweep on a cron schedule until ctx is
// cancelled. Sweep errors are logged, never fatal: the next cycle always
// fires.
func RunDaemon(ctx context.Context, gdb *gorm.DB, invoker pipeline.StageInvoker, notifier Notifier, schedule string, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("recovery: parse schedule %q: %w", schedule, err)
	}

	fmt.Fprintf(out, "Recovery daemon starting (schedule %q, deadline %s)\n", schedule, cfg.Deadline)

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			fmt.Fprintln(out, "Recovery daemon stopped.")
			return nil
		case <-timer.C:
		}

		stats, err := Sweep(ctx, gdb, invoker, notifier, cfg)
		if err != nil {
			log.Printf("recovery sweep error: %v", err)
			continue
		}
		if stats.Examined > 0 || stats.Abandoned > 0 || stats.Reinvoked > 0 {
			fmt.Fprintf(out, "Sweep: examined=%d reset=%d reinvoked=%d abandoned=%d blocks_swept=%d\n",
				stats.Examined, stats.Reset, stats.Reinvoked, stats.Abandoned, stats.BlocksSwept)
		}
	}
}
