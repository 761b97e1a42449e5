// Package terminal lets a user steer a running agent from the command line.
//
// While the agent runs:
//
//   - Enter pauses a running agent and resumes a paused one
//   - q, /quit or /exit stop the agent after the current step
//   - the first Ctrl+C pauses the agent, a second one while paused cancels
//     the run
//
// # Usage
//
//	ctx, cancel := context.WithCancel(ctx)
//	defer cancel()
//	detach := terminal.New(a).Attach(ctx, cancel)
//	defer detach()
//	outcome, err := a.Run(ctx, 0)
package terminal
