package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/aicallyu/olympus/internal/pipeline"
)

// Config models olympus.yml.
type Config struct {
	Project struct {
		ID               string   `yaml:"id"`
		Name             string   `yaml:"name"`
		LiveURL          string   `yaml:"live_url"`
		RepoPath         string   `yaml:"repo_path"`
		ExpectedRoutes   []string `yaml:"expected_routes"`
		ExpectedElements []string `yaml:"expected_elements"`
	} `yaml:"project"`
	Gates      GatesConfig      `yaml:"gates"`
	Routing    RoutingConfig    `yaml:"routing"`
	Discussion DiscussionConfig `yaml:"discussion"`
	Agents     []AgentConfig    `yaml:"agents"`
	Voice      VoiceConfig      `yaml:"voice"`
	Notify     NotifyConfig     `yaml:"notify"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
}

type GatesConfig struct {
	AutoAdvance *bool `yaml:"auto_advance"`
	Build       struct {
		Commands []string      `yaml:"commands"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"build"`
	Deploy struct {
		HTTPTimeout time.Duration `yaml:"http_timeout"`
		PageTimeout time.Duration `yaml:"page_timeout"`
	} `yaml:"deploy"`
	Perception struct {
		WaitTimeout time.Duration `yaml:"wait_timeout"`
		PageTimeout time.Duration `yaml:"page_timeout"`
	} `yaml:"perception"`
	// Responsible maps a gate name to the agent roles that fix its failures.
	Responsible map[string][]string `yaml:"responsible"`
	// HumanCheckpoint is the default for new tasks.
	HumanCheckpoint *bool `yaml:"human_checkpoint"`
}

type RoutingConfig struct {
	ContextMessages int           `yaml:"context_messages"`
	AgentTimeout    time.Duration `yaml:"agent_timeout"`
	Moderator       string        `yaml:"moderator"`
	DefaultMode     string        `yaml:"default_mode"`
}

type DiscussionConfig struct {
	Moderator       string        `yaml:"moderator"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	MaxTokens       int           `yaml:"max_tokens"`
	ContextMessages int           `yaml:"context_messages"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
}

type AgentConfig struct {
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	EndpointKind string `yaml:"endpoint_kind"`
	EndpointURL  string `yaml:"endpoint_url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	VoiceID      string `yaml:"voice_id"`
	SessionKey   string `yaml:"session_key"`
}

type VoiceConfig struct {
	TTSURL  string        `yaml:"tts_url"`
	STTURL  string        `yaml:"stt_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	Slack struct {
		Enabled bool   `yaml:"enabled"`
		Channel string `yaml:"channel"`
		APIURL  string `yaml:"api_url"`
	} `yaml:"slack"`
}

type IngestConfig struct {
	Kafka struct {
		Enabled bool   `yaml:"enabled"`
		Brokers string `yaml:"brokers"`
		Topic   string `yaml:"topic"`
		GroupID string `yaml:"group_id"`
	} `yaml:"kafka"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Secrets are never written to olympus.yml; they come from OLYMPUS_* env vars.
type Secrets struct {
	LLMAPIKey   string `envconfig:"LLM_API_KEY"`
	SlackToken  string `envconfig:"SLACK_TOKEN"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	VoiceAPIKey string `envconfig:"VOICE_API_KEY"`
}

// LoadSecrets reads OLYMPUS_LLM_API_KEY, OLYMPUS_SLACK_TOKEN, OLYMPUS_JWT_SECRET
// and OLYMPUS_VOICE_API_KEY.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process("OLYMPUS", &s); err != nil {
		return s, fmt.Errorf("read secrets: %w", err)
	}
	return s, nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with olympus init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default one when the file
// does not exist.
func LoadOrDefault(workspace, projectID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure and fills defaults.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Name == "" {
		c.Project.Name = c.Project.ID
	}
	c.applyDefaults()
	for gate := range c.Gates.Responsible {
		if _, err := pipeline.ParseGate(gate); err != nil {
			return fmt.Errorf("config.gates.responsible: %w", err)
		}
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("config.agents[%d].name is required", i)
		}
		key := strings.ToLower(a.Name)
		if seen[key] {
			return fmt.Errorf("config.agents: duplicate agent %s", a.Name)
		}
		seen[key] = true
		switch a.EndpointKind {
		case "openai", "human", "none":
		default:
			return fmt.Errorf("agent %s: endpoint_kind must be openai, human or none", a.Name)
		}
	}
	switch c.Routing.DefaultMode {
	case "all", "mentioned", "moderated":
	default:
		return fmt.Errorf("config.routing.default_mode must be all, mentioned or moderated")
	}
	if c.Discussion.MaxTokens < 0 {
		return fmt.Errorf("config.discussion.max_tokens must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Gates.AutoAdvance == nil {
		v := true
		c.Gates.AutoAdvance = &v
	}
	if c.Gates.HumanCheckpoint == nil {
		v := true
		c.Gates.HumanCheckpoint = &v
	}
	if c.Gates.Build.Timeout <= 0 {
		c.Gates.Build.Timeout = 5 * time.Minute
	}
	if c.Gates.Deploy.HTTPTimeout <= 0 {
		c.Gates.Deploy.HTTPTimeout = 10 * time.Second
	}
	if c.Gates.Deploy.PageTimeout <= 0 {
		c.Gates.Deploy.PageTimeout = 30 * time.Second
	}
	if c.Gates.Perception.WaitTimeout <= 0 {
		c.Gates.Perception.WaitTimeout = 5 * time.Second
	}
	if c.Gates.Perception.PageTimeout <= 0 {
		c.Gates.Perception.PageTimeout = 30 * time.Second
	}
	if c.Routing.ContextMessages <= 0 {
		c.Routing.ContextMessages = 20
	}
	if c.Routing.AgentTimeout <= 0 {
		c.Routing.AgentTimeout = 60 * time.Second
	}
	if c.Routing.DefaultMode == "" {
		c.Routing.DefaultMode = "mentioned"
	}
	if c.Discussion.MaxDuration <= 0 {
		c.Discussion.MaxDuration = 3 * time.Minute
	}
	if c.Discussion.MaxTokens == 0 {
		c.Discussion.MaxTokens = 20000
	}
	if c.Discussion.ContextMessages <= 0 {
		c.Discussion.ContextMessages = 15
	}
	if c.Discussion.TurnTimeout <= 0 {
		c.Discussion.TurnTimeout = 60 * time.Second
	}
	if c.Voice.Timeout <= 0 {
		c.Voice.Timeout = 30 * time.Second
	}
	if c.Ingest.Kafka.Topic == "" {
		c.Ingest.Kafka.Topic = "deploy.events"
	}
	if c.Ingest.Kafka.GroupID == "" {
		c.Ingest.Kafka.GroupID = "olympus"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "olympus"
	}
}

// ResponsibleRoles returns the configured roles for gate, falling back to the
// pipeline defaults.
func (c *Config) ResponsibleRoles(g pipeline.Gate) []string {
	if roles, ok := c.Gates.Responsible[string(g)]; ok && len(roles) > 0 {
		return roles
	}
	return pipeline.ResponsibleRoles(g)
}

func (c *Config) AutoAdvance() bool {
	return c.Gates.AutoAdvance == nil || *c.Gates.AutoAdvance
}

func (c *Config) HumanCheckpointDefault() bool {
	return c.Gates.HumanCheckpoint == nil || *c.Gates.HumanCheckpoint
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "olympus.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	_ = cfg.Validate()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  repo_path: .
  expected_routes: ["/"]

gates:
  auto_advance: true
  human_checkpoint: true
  build:
    commands:
      - npm run build
      - npx tsc --noEmit
      - npm run lint
    timeout: 5m
  deploy:
    http_timeout: 10s
    page_timeout: 30s
  perception:
    wait_timeout: 5s
    page_timeout: 30s
  responsible:
    build_check: [backend, frontend]
    deploy_check: [devops]
    perception_check: [design, frontend]

routing:
  default_mode: mentioned
  context_messages: 20
  agent_timeout: 60s
  moderator: ZEUS

discussion:
  moderator: ATHENA
  max_duration: 3m
  max_tokens: 20000
  context_messages: 15
  turn_timeout: 60s

agents:
  - name: ZEUS
    role: moderator
    endpoint_kind: openai
    model: gpt-4o-mini
    system_prompt: "You coordinate the War Room and decide who should answer."
  - name: ATHENA
    role: strategist
    endpoint_kind: openai
    model: gpt-4o-mini
    system_prompt: "You synthesize team discussions into clear decisions."
  - name: ATLAS
    role: backend
    endpoint_kind: openai
    model: gpt-4o-mini
    system_prompt: "You are ATLAS, the backend engineer."
  - name: HERMES
    role: devops
    endpoint_kind: openai
    model: gpt-4o-mini
    system_prompt: "You are HERMES, the devops engineer."
  - name: APOLLO
    role: frontend
    endpoint_kind: openai
    model: gpt-4o-mini
    system_prompt: "You are APOLLO, the frontend engineer."
  - name: ARGOS
    role: design
    endpoint_kind: openai
    model: gpt-4o-mini
    system_prompt: "You are ARGOS, the design and perception reviewer."
  - name: operator
    role: owner
    endpoint_kind: human
    session_key: "human:operator"

notify:
  slack:
    enabled: false
    channel: "#olympus-escalations"

ingest:
  kafka:
    enabled: false
    brokers: localhost:9092
    topic: deploy.events
    group_id: olympus

telemetry:
  enabled: false
  otlp_endpoint: http://127.0.0.1:4318
`
