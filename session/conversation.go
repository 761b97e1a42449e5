package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/appuse/errors"
)

// SaveConversation writes the messages sent to the model and the model's
// reply to a human-readable text file. Parent directories are created.
func SaveConversation(path string, messages []Message, output any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "could not create conversation directory")
		}
	}

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, " %s \n", m.Role)
		if len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				args, err := json.MarshalIndent(tc.Args, "", "  ")
				if err != nil {
					return errors.Wrapf(err, "failed to serialize tool call %s", tc.Name)
				}
				fmt.Fprintf(&b, "%s\n", args)
			}
		}
		if text := m.Text(); text != "" {
			fmt.Fprintf(&b, "%s\n", text)
		}
		b.WriteString("\n")
	}

	b.WriteString(" RESPONSE\n")
	out, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize model output")
	}
	b.Write(out)
	b.WriteString("\n")

	return os.WriteFile(path, []byte(b.String()), 0644)
}
