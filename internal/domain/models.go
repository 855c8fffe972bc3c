package domain

import "time"

// =============================================================================
// Core Configuration
// =============================================================================

type Config struct {
	Workspace string          `json:"workspace" yaml:"workspace"` // Sandbox root; relative tool paths resolve beneath it
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Infra     InfraConfig     `json:"infra" yaml:"infra"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
}

type AgentConfig struct {
	Provider      string `json:"provider" yaml:"provider"` // "openai" | "chatgpt" | "xai" | "ollama" | "anthropic" | "local"
	Model         string `json:"model" yaml:"model"`
	BaseURL       string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Mode          string `json:"mode" yaml:"mode"` // "agent" | "responder"
	MaxIterations int    `json:"maxIterations" yaml:"maxIterations"`
	ContextTokens int    `json:"contextTokens,omitempty" yaml:"contextTokens,omitempty"` // 0 disables history trimming
	Encoding      string `json:"encoding,omitempty" yaml:"encoding,omitempty"`           // tiktoken encoding used for trimming
}

// RateLimitConfig bounds tool execution per conversation.
type RateLimitConfig struct {
	MaxPerMinute  int `json:"maxPerMinute" yaml:"maxPerMinute"`
	MaxPerSession int `json:"maxPerSession" yaml:"maxPerSession"`
	CooldownMs    int `json:"cooldownMs" yaml:"cooldownMs"`
}

type SandboxConfig struct {
	AllowedPrefixes []string `json:"allowedPrefixes,omitempty" yaml:"allowedPrefixes,omitempty"` // Absolute prefixes reachable outside the workspace
}

type GatewayConfig struct {
	Port int        `json:"port" yaml:"port"`
	Auth AuthConfig `json:"auth" yaml:"auth"`
}

type AuthConfig struct {
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"` // When set, gateway requires Authorization: Bearer <authToken>
}

// RetryConfig controls retry behaviour for model transport calls.
type RetryConfig struct {
	MaxRetries     int `json:"maxRetries" yaml:"maxRetries"`         // Maximum retry attempts (0 = no retries)
	InitialBackoff int `json:"initialBackoff" yaml:"initialBackoff"` // Initial backoff in milliseconds
	MaxBackoff     int `json:"maxBackoff" yaml:"maxBackoff"`         // Maximum backoff in milliseconds
	Multiplier     int `json:"multiplier" yaml:"multiplier"`         // Backoff multiplier (e.g. 2 for exponential doubling)
}

type InfraConfig struct {
	LogFormat string `json:"logFormat" yaml:"logFormat"` // "json" | "text"
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
}

type DatabaseConfig struct {
	URL            string `json:"url,omitempty" yaml:"url,omitempty"`                       // "file:path.db" or "libsql://..."
	TranscriptFile string `json:"transcriptFile,omitempty" yaml:"transcriptFile,omitempty"` // JSONL transcript path used when URL is empty
}

// =============================================================================
// Conversation
// =============================================================================

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the ordered conversation sent to a model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Mode selects how the agent loop treats a request.
type Mode string

const (
	ModeAgent     Mode = "agent"
	ModeResponder Mode = "responder"
)

// ParseMode maps a config or wire value to a Mode; anything unknown is agent.
func ParseMode(s string) Mode {
	if Mode(s) == ModeResponder {
		return ModeResponder
	}
	return ModeAgent
}

// TranscriptEntry is a persisted turn of a conversation.
type TranscriptEntry struct {
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// =============================================================================
// Tooling
// =============================================================================

// ToolResult is the outcome of one tool execution. Failures are carried in
// Error with Success=false; they never surface as Go errors.
type ToolResult struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// Failure builds an unsuccessful ToolResult.
func Failure(msg string) ToolResult {
	return ToolResult{Success: false, Error: msg}
}

// ToolDefinition describes a tool for listings and model prompts.
type ToolDefinition struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description"`
	InputSchema string   `json:"input_schema"`
}

// SearchOptions are the flags passed to FileAccessBackend.SearchText.
type SearchOptions struct {
	Query          string
	CaseSensitive  bool
	WholeWord      bool
	Regex          bool
	IncludePattern string // comma-separated globs
	ExcludePattern string // comma-separated globs
}

// SearchMatch is one matching line; Line is 1-based, CharStart/CharEnd are byte offsets in Text.
type SearchMatch struct {
	Line      int    `json:"line"`
	CharStart int    `json:"charStart"`
	CharEnd   int    `json:"charEnd"`
	Text      string `json:"lineText"`
}

// SearchResult groups the matches found in one file.
type SearchResult struct {
	Name    string        `json:"name"`
	Path    string        `json:"path"`
	Matches []SearchMatch `json:"matches"`
}

// FileNode is a file or directory; Children is only populated by ListTree.
type FileNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	IsDir    bool       `json:"isDir"`
	Children []FileNode `json:"children,omitempty"`
}
