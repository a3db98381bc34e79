package config

import "time"

// Config is the root configuration for Maestro.
type Config struct {
	Models    ModelsConfig    `json:"models"`
	Events    EventsConfig    `json:"events"`
	Skills    SkillsConfig    `json:"skills"`
	Runner    RunnerConfig    `json:"runner"`
	Container ContainerConfig `json:"container"`
	Storage   StorageConfig   `json:"storage"`
}

// SkillsConfig configures skill bundle discovery.
type SkillsConfig struct {
	Dirs    []string `json:"dirs"`    // skill bundle directories (default: [$MAESTRO_PATH/skills])
	Enabled []string `json:"enabled"` // enabled skill ids (empty = all)
}

// RunnerConfig configures query execution.
type RunnerConfig struct {
	MaxParallel   int      `json:"max_parallel"`    // concurrent node ceiling per run
	MaxRetries    int      `json:"max_retries"`     // repair attempts after the first failure
	StopOnFailure bool     `json:"stop_on_failure"` // skip all remaining nodes once one terminally fails
	BestEffort    bool     `json:"best_effort"`     // dependents run whatever their upstream outcome
	Timeout       Duration `json:"timeout,omitempty"`
}

// ContainerConfig configures the sandbox backend.
type ContainerConfig struct {
	Backend  string   `json:"backend"` // "docker" or "local"
	Image    string   `json:"image"`   // docker image for the docker backend
	Timeout  Duration `json:"timeout,omitempty"`
	MemoryMB int      `json:"memory_mb,omitempty"`
}

// StorageConfig configures run persistence.
type StorageConfig struct {
	HistoryDB string `json:"history_db"` // sqlite file (default: $MAESTRO_PATH/history.db)
	RunsDir   string `json:"runs_dir"`   // per-run workspaces (default: $MAESTRO_PATH/runs)
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver    string         `json:"driver"` // "anthropic", "openai", "mistral", "ollama"
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	Auth      AuthConfig     `json:"auth"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // Direct API key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // OAuth/Bearer token
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
