package router

import "time"

// Complexity is the coarse difficulty bucket assigned to a query.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Intent is the dominant topic detected in a query.
type Intent string

const (
	IntentSecurity    Intent = "security"
	IntentDatabase    Intent = "database"
	IntentDevelopment Intent = "development"
	IntentPlanning    Intent = "planning"
	IntentGeneral     Intent = "general"
)

// Tier names the closed set of cost/capability classes.
type Tier string

const (
	TierEconomy  Tier = "economy"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierLocal    Tier = "local"
)

// Message is a single conversational turn forwarded to providers.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Classification is the deterministic analysis of a query's text.
type Classification struct {
	Complexity      Complexity `json:"complexity"`
	Intent          Intent     `json:"intent"`
	MatchedKeywords []string   `json:"matched_keywords,omitempty"`
	Confidence      float64    `json:"confidence"`
}

// TierSpec describes one model tier as configured in the pool.
type TierSpec struct {
	Tier            Tier          `json:"tier"`
	DisplayName     string        `json:"display_name"`
	ModelName       string        `json:"model_name"`
	Endpoint        string        `json:"endpoint"`
	InputPerMTok    float64       `json:"input_per_mtok"`  // USD per million input tokens
	OutputPerMTok   float64       `json:"output_per_mtok"` // USD per million output tokens
	Timeout         time.Duration `json:"-"`
	MaxContext      int           `json:"max_context_tokens"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Enabled         bool          `json:"enabled"`
}

// Decision is the routing outcome for a query.
type Decision struct {
	Tier           Tier           `json:"tier"`
	ModelName      string         `json:"model_name"`
	Reason         string         `json:"reason"`
	Classification Classification `json:"classification"`
	Cached         bool           `json:"cached"`
}
