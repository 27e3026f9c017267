// Package codectx is a read-through cache over an external codebase
// analyzer. The analyzer owns parsing and graph building; this package
// only caches, invalidates, and warms its results.
package codectx

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// Options selects which sections of a file context the caller wants.
// ForceRefresh bypasses the cache for this one call.
type Options struct {
	IncludeImpact   bool `json:"include_impact"`
	IncludeHistory  bool `json:"include_history"`
	IncludePatterns bool `json:"include_patterns"`
	ForceRefresh    bool `json:"force_refresh"`
}

// ImpactGraph lists the files affected by a change to the subject file.
type ImpactGraph struct {
	DirectDependents   []string `json:"direct_dependents,omitempty"`
	IndirectDependents []string `json:"indirect_dependents,omitempty"`
	Imports            []string `json:"imports,omitempty"`
}

// FileHistory summarizes recent change activity for the file.
type FileHistory struct {
	CommitCount   int       `json:"commit_count"`
	LastModified  time.Time `json:"last_modified"`
	RecentAuthors []string  `json:"recent_authors,omitempty"`
	ChurnScore    float64   `json:"churn_score"`
}

// FileMetrics carries size and complexity numbers from the analyzer.
type FileMetrics struct {
	Lines      int     `json:"lines"`
	Functions  int     `json:"functions"`
	Complexity float64 `json:"complexity"`
}

// FileContext is the analyzer's answer for one file. Sections the caller
// did not request stay nil.
type FileContext struct {
	Path            string       `json:"path"`
	ImpactGraph     *ImpactGraph `json:"impact_graph,omitempty"`
	History         *FileHistory `json:"history,omitempty"`
	Metrics         *FileMetrics `json:"metrics,omitempty"`
	LearnedPatterns []string     `json:"learned_patterns,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	AnalyzedAt      time.Time    `json:"analyzed_at"`
}

// Analyzer is the external collaborator that actually inspects the
// codebase. Implementations may be arbitrarily slow; the facade caches.
type Analyzer interface {
	AnalyzeFile(ctx context.Context, path string, opts Options) (*FileContext, error)
}

// cacheKey derives the cache key for one (generation, path-version, path,
// options) tuple. Bumping either counter makes all prior keys unreachable,
// which is how invalidation works without enumerating keys.
func cacheKey(generation, pathVersion uint64, path string, opts Options) string {
	raw := fmt.Sprintf("%d|%d|%s|%t%t%t",
		generation, pathVersion, path,
		opts.IncludeImpact, opts.IncludeHistory, opts.IncludePatterns)
	h := md5.Sum([]byte(raw))
	return "ctx:" + hex.EncodeToString(h[:])
}
