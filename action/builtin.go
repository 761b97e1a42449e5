package action

import (
	"context"
	"fmt"
	"time"

	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/errors"
)

const (
	DoneName = "done"
	WaitName = "wait"
)

// DoneParams ends the task.
type DoneParams struct {
	Text    string `json:"text" validate:"required"`
	Success bool   `json:"success"`
}

// WaitParams pauses before the next action.
type WaitParams struct {
	Seconds int `json:"seconds" validate:"gte=0,lte=60"`
}

// RegisterBuiltins adds the actions every run has regardless of driver.
func RegisterBuiltins(r *Registry) error {
	err := Register(r, DoneName,
		"Complete the task. Set success to true only if the whole task is finished; put everything the user asked for in text.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text":    map[string]interface{}{"type": "string"},
				"success": map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"text", "success"},
		},
		func(ctx context.Context, p DoneParams, _ app.Provider, _ any) (Result, error) {
			return Result{IsDone: true, Success: p.Success, ExtractedContent: p.Text, IncludeInMemory: true}, nil
		})
	if err != nil {
		return err
	}

	return Register(r, WaitName,
		"Wait for the given number of seconds, e.g. for a screen to finish loading.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"seconds": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"seconds"},
		},
		func(ctx context.Context, p WaitParams, _ app.Provider, _ any) (Result, error) {
			t := time.NewTimer(time.Duration(p.Seconds) * time.Second)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return Result{}, errors.Wrapf(ctx.Err(), "wait interrupted")
			case <-t.C:
			}
			msg := fmt.Sprintf("Waited for %d seconds", p.Seconds)
			return Result{ExtractedContent: msg, IncludeInMemory: true}, nil
		})
}
