// Package agent drives a language model through a mobile app task.
//
// An Agent repeats one step until the model reports the task done, the step
// budget is spent, too many steps fail in a row, or the run is stopped or
// cancelled.
//
// # Steps
//
// Each step:
//
//   - captures the app state through the app.Provider
//   - stages it as the one ephemeral state message of the conversation
//   - optionally asks the planner model for guidance
//   - negotiates the tool calling method once per model identity
//   - asks the model for its next actions and validates them
//   - executes the actions in order, stopping after a done action, an error,
//     or a change the action reports
//   - appends one entry to the history
//
// On the last step of the budget only the done action is offered.
//
// # Failures
//
// Malformed model output, token-limit and rate-limit rejections count as a
// failed step and the run continues with a hint for the model. Configuration
// and connection errors end the run at once. See package failure.
//
// # Control
//
// Pause, Resume and Stop may be called from other goroutines while Run is in
// progress. A paused agent stops at the next cancellation point; the
// interrupted step leaves the conversation as it was and is retried after
// Resume. The terminal subpackage wires these controls to the keyboard and
// to SIGINT.
//
// # Usage
//
//	registry := action.NewRegistry(secrets)
//	action.RegisterBuiltins(registry)
//	drv.RegisterActions(registry)
//
//	a, err := agent.New("Turn on wifi", transport, registry, drv, agent.Options{
//	    Settings: cfg.Agent,
//	})
//	if err != nil {
//	    // handle error
//	}
//	outcome, err := a.Run(ctx, 0)
package agent
