package model

// DispatchRule is one matching policy. Rules are immutable once loaded for
// a dispatch session; lower Priority means more specific and preferred.
type DispatchRule struct {
	Pattern              string   `yaml:"pattern"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	RequiredTools        []string `yaml:"required_tools,omitempty"`
	Priority             int      `yaml:"priority"`
}

// WorkerProfile describes one registered worker. Loaded once per
// orchestration session from an external registry; read-only during dispatch.
type WorkerProfile struct {
	WorkerID       string   `yaml:"worker_id"`
	Capabilities   []string `yaml:"capabilities"`
	AvailableTools []string `yaml:"available_tools"`
}

// RuleSet is the on-disk shape of a dispatch configuration: the rules plus
// the worker registry they are matched against.
type RuleSet struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Rules         []DispatchRule  `yaml:"rules"`
	Workers       []WorkerProfile `yaml:"workers"`
}

const RuleSetFileType = "dispatch_rules"
