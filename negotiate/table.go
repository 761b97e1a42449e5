package negotiate

import (
	"strings"

	"github.com/m4xw311/appuse/llm"
)

// Capability maps models of one vendor to the method they are known to
// support. Patterns match as case-insensitive substrings of the model name;
// an empty pattern matches every model of the vendor. Vendor "*" matches
// any vendor.
type Capability struct {
	Vendor   string
	Patterns []string
	Method   llm.Method
}

// noToolModels cannot emit tool calls on any vendor.
var noToolModels = []string{"deepseek-reasoner", "deepseek-r1", ".gguf"}

// KnownCapabilities is consulted in order; the first match wins.
var KnownCapabilities = []Capability{
	{Vendor: "*", Patterns: noToolModels, Method: llm.MethodRaw},
	{Vendor: "openai", Patterns: []string{"gpt-4", "gpt-3.5", "llama-4", "llama-3"}, Method: llm.MethodFunctionCalling},
	{Vendor: "groq", Patterns: []string{"llama-4", "llama-3"}, Method: llm.MethodFunctionCalling},
	{Vendor: "azure", Patterns: []string{"gpt-4-"}, Method: llm.MethodTools},
	{Vendor: "azure", Patterns: []string{""}, Method: llm.MethodFunctionCalling},
	{Vendor: "anthropic", Patterns: []string{"claude-3", "claude-2", "claude-sonnet-4", "claude-opus-4"}, Method: llm.MethodTools},
	{Vendor: "bedrock", Patterns: []string{"anthropic.claude"}, Method: llm.MethodTools},
}

// Lookup finds the known method for id in table.
func Lookup(table []Capability, id llm.Identity) (llm.Method, bool) {
	model := strings.ToLower(id.Model)
	for _, c := range table {
		if c.Vendor != "*" && c.Vendor != id.Vendor {
			continue
		}
		for _, p := range c.Patterns {
			if strings.Contains(model, strings.ToLower(p)) {
				return c.Method, true
			}
		}
	}
	return "", false
}

// LacksToolSupport reports models that must be spoken to in plain text.
func LacksToolSupport(model string) bool {
	model = strings.ToLower(model)
	for _, p := range noToolModels {
		if strings.Contains(model, p) {
			return true
		}
	}
	return false
}
