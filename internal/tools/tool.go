package tools

import (
	"context"
	"fmt"
	"time"
)

// ParameterType is the closed set of schema types a tool parameter may
// declare. Enum parameters carry their legal values on the Parameter.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeInteger ParameterType = "integer"
	TypeNumber  ParameterType = "number"
	TypeBoolean ParameterType = "boolean"
	TypeArray   ParameterType = "array"
	TypeObject  ParameterType = "object"
	TypeEnum    ParameterType = "enum"
)

// Parameter is one entry in a tool's typed parameter schema.
type Parameter struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
}

// Category groups tools for bulk loading. CORE tools resist unloading.
type Category string

const (
	CategoryCore       Category = "core"
	CategoryLint       Category = "lint"
	CategoryDatabase   Category = "database"
	CategoryCI         Category = "ci"
	CategoryDeploy     Category = "deploy"
	CategoryBrowser    Category = "browser"
	CategoryCodebase   Category = "codebase"
	CategoryDiagnostic Category = "diagnostic"
)

// Definition is a tool's registry metadata plus its parameter schema.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Category    Category    `json:"category"`
	Version     string      `json:"version,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Result is the outcome of one tool execution. Data is an opaque
// JSON-shaped payload carried through the core as-is.
type Result struct {
	Success         bool    `json:"success"`
	Data            any     `json:"data,omitempty"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// NewResult builds a successful result.
func NewResult(data any) *Result {
	return &Result{Success: true, Data: data}
}

// ErrorResult builds a failed result from a message.
func ErrorResult(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool is the contract every pluggable operation implements. Execute must
// be safe to invoke from multiple goroutines; it may block for arbitrary
// time and should honor ctx cancellation.
type Tool interface {
	Definition() Definition
	Execute(inv Invocation, params map[string]any) (*Result, error)
}

// Invocation is the execution context handed to tools: the standard context
// plus the invoking session, so tools can charge work to the right agent.
type Invocation struct {
	Ctx       context.Context
	SessionID string
	AgentName string
}

// Loader materializes a lazily registered tool. It is invoked exactly once
// per registration, on first access.
type Loader func() (Tool, error)

// ValidateParams checks params against the schema: required presence, type
// agreement, and enum membership. Unknown parameters pass through untouched.
func ValidateParams(def Definition, params map[string]any) error {
	for _, p := range def.Parameters {
		v, present := params[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		if err := checkType(p, v); err != nil {
			return err
		}
	}
	return nil
}

func checkType(p Parameter, v any) error {
	switch p.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q: expected string, got %T", p.Name, v)
		}
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("parameter %q: expected integer, got fraction", p.Name)
			}
		default:
			return fmt.Errorf("parameter %q: expected integer, got %T", p.Name, v)
		}
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("parameter %q: expected number, got %T", p.Name, v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q: expected boolean, got %T", p.Name, v)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("parameter %q: expected array, got %T", p.Name, v)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("parameter %q: expected object, got %T", p.Name, v)
		}
	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %q: expected enum string, got %T", p.Name, v)
		}
		for _, allowed := range p.Enum {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("parameter %q: %q not in enum %v", p.Name, s, p.Enum)
	}
	return nil
}

// Stats tracks per-tool execution accounting. A small per-tool mutex in the
// registry guards updates; reads get copies.
type Stats struct {
	Executions   int64      `json:"executions"`
	Errors       int64      `json:"errors"`
	TotalMS      float64    `json:"total_ms"`
	MinMS        float64    `json:"min_ms"`
	MaxMS        float64    `json:"max_ms"`
	LastExecuted *time.Time `json:"last_executed,omitempty"`
	LoadTimeMS   float64    `json:"load_time_ms"`
}

// AverageMS is the mean execution time, 0 before the first run.
func (s Stats) AverageMS() float64 {
	if s.Executions == 0 {
		return 0
	}
	return s.TotalMS / float64(s.Executions)
}
