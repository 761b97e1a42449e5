package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/m4xw311/appuse/errors"
	"gopkg.in/yaml.v3"
)

// SkipVerificationEnv disables the connection sanity check when set to a
// truthy value.
const SkipVerificationEnv = "SKIP_LLM_API_KEY_VERIFICATION"

// MCPServer describes the automation driver subprocess.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// StateTool is the driver tool that returns the current app state.
	StateTool string `yaml:"state_tool"`
}

// AgentSettings tunes the step engine.
type AgentSettings struct {
	UseVision                  bool          `yaml:"use_vision"`
	MaxFailures                int           `yaml:"max_failures" validate:"gte=1"`
	RetryDelay                 time.Duration `yaml:"retry_delay" validate:"gte=0"`
	MaxInputTokens             int           `yaml:"max_input_tokens" validate:"gte=1000"`
	MaxActionsPerStep          int           `yaml:"max_actions_per_step" validate:"gte=1"`
	MaxSteps                   int           `yaml:"max_steps" validate:"gte=1"`
	PlannerInterval            int           `yaml:"planner_interval" validate:"gte=1"`
	PlannerReasoning           bool          `yaml:"planner_reasoning"`
	ExtendPlannerSystemMessage string        `yaml:"extend_planner_system_message"`
	OverrideSystemMessage      string        `yaml:"override_system_message"`
	ExtendSystemMessage        string        `yaml:"extend_system_message"`
	MessageContext             string        `yaml:"message_context"`
	SaveConversationPath       string        `yaml:"save_conversation_path"`
	MemoryInterval             int           `yaml:"memory_interval" validate:"gte=0"`
	ActionDelay                time.Duration `yaml:"action_delay" validate:"gte=0"`
	PausePollInterval          time.Duration `yaml:"pause_poll_interval" validate:"gt=0"`
	ProbeConcurrency           int           `yaml:"probe_concurrency" validate:"gte=1,lte=4"`
	SkipConnectionCheck        bool          `yaml:"skip_connection_check"`
	IncludeAttributes          []string      `yaml:"include_attributes"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON    bool   `yaml:"json"`
	NoColor bool   `yaml:"no_color"`
}

type Config struct {
	LLMClient         string            `yaml:"llm" validate:"omitempty,oneof=openai anthropic gemini bedrock"`
	Model             string            `yaml:"model"`
	PlannerLLMClient  string            `yaml:"planner_llm" validate:"omitempty,oneof=openai anthropic gemini bedrock"`
	PlannerModel      string            `yaml:"planner_model"`
	ToolCallingMethod string            `yaml:"tool_calling_method" validate:"omitempty,oneof=auto function_calling tools json_mode raw"`
	Agent             AgentSettings     `yaml:"agent"`
	Driver            MCPServer         `yaml:"driver"`
	SensitiveData     map[string]string `yaml:"sensitive_data"`
	Log               LogConfig         `yaml:"log"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		ToolCallingMethod: "auto",
		Agent: AgentSettings{
			UseVision:         true,
			MaxFailures:       3,
			RetryDelay:        10 * time.Second,
			MaxInputTokens:    128000,
			MaxActionsPerStep: 10,
			MaxSteps:          100,
			PlannerInterval:   1,
			ActionDelay:       500 * time.Millisecond,
			PausePollInterval: 200 * time.Millisecond,
			ProbeConcurrency:  4,
			IncludeAttributes: []string{"text", "content-desc", "resource-id", "class"},
		},
		Driver: MCPServer{StateTool: "get_app_state"},
		Log:    LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. A .env file in the
// working directory is loaded into the environment first.
func LoadConfig() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := Default()

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".appuse", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".appuse", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single configuration file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal only overwrites fields present in the YAML, so project-level
	// values replace user-level ones key by key.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() {
	if v, err := strconv.ParseBool(os.Getenv(SkipVerificationEnv)); err == nil && v {
		c.Agent.SkipConnectionCheck = true
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Mark(errors.ErrConfiguration, errors.Wrapf(err, "invalid configuration"))
	}
	return nil
}
