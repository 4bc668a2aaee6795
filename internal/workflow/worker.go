package workflow

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// TaskQueue is the Temporal task queue governed task workflows run on.
const TaskQueue = "cortexd-task-queue"

// StartWorker connects to a Temporal server and runs the governed-task
// worker until interrupted. The Temporal integration is optional: the
// daemon starts it only when a host:port is configured, and a connection
// failure here degrades to direct session-runtime execution rather than
// taking the daemon down.
func StartWorker(hostPort string, acts *Activities) error {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("workflow: dial temporal %s: %w", hostPort, err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})
	w.RegisterWorkflow(GovernedTaskWorkflow)
	w.RegisterActivity(acts.ClaimActivity)
	w.RegisterActivity(acts.ExecuteActivity)
	w.RegisterActivity(acts.DoDVerifyActivity)
	w.RegisterActivity(acts.RecordOutcomeActivity)

	return w.Run(worker.InterruptCh())
}
