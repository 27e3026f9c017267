package handoff

import (
	"regexp"
	"strings"

	"github.com/fastband-ai/fastband/internal/util"
)

// Field caps enforced by the sanitizer. Strings are capped in runes, lists
// in entries, token fields clamped to [0, MaxTokenValue].
const (
	MaxSummaryLen  = 2000
	MaxTaskLen     = 500
	MaxContextLen  = 50000
	MaxFileEntries = 100
	MaxListEntries = 20
	MaxTokenValue  = 1000000
)

var identifierAllowed = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Sanitize normalizes a packet in place: identifiers keep only
// [A-Za-z0-9_-], control characters are stripped, strings are truncated to
// their caps, lists are cut to their entry caps, and token counts are
// clamped. Sanitize is total and idempotent: every packet entering the
// manager passes through it, and sanitizing twice changes nothing.
func Sanitize(p *Packet) {
	if p == nil {
		return
	}

	p.PacketID = sanitizeIdentifier(p.PacketID)
	p.SourceAgent = sanitizeIdentifier(p.SourceAgent)
	p.SourceSession = sanitizeIdentifier(p.SourceSession)
	p.TargetAgent = sanitizeIdentifier(p.TargetAgent)
	p.TicketID = sanitizeIdentifier(p.TicketID)

	p.TicketStatus = sanitizeText(p.TicketStatus, MaxTaskLen)
	p.TicketSummary = sanitizeText(p.TicketSummary, MaxSummaryLen)
	p.HandoffNotes = sanitizeText(p.HandoffNotes, MaxSummaryLen)
	p.HotContext = sanitizeText(p.HotContext, MaxContextLen)

	p.CompletedTasks = sanitizeList(p.CompletedTasks, MaxFileEntries, MaxTaskLen)
	p.PendingTasks = sanitizeList(p.PendingTasks, MaxFileEntries, MaxTaskLen)
	p.Decisions = sanitizeList(p.Decisions, MaxFileEntries, MaxTaskLen)
	p.Blockers = sanitizeList(p.Blockers, MaxListEntries, MaxTaskLen)
	p.Warnings = sanitizeList(p.Warnings, MaxListEntries, MaxTaskLen)

	p.FilesModified = sanitizeList(p.FilesModified, MaxFileEntries, MaxTaskLen)
	p.FilesReviewed = sanitizeList(p.FilesReviewed, MaxFileEntries, MaxTaskLen)
	p.WarmReferences = sanitizeList(p.WarmReferences, MaxFileEntries, MaxTaskLen)

	p.HotTokens = clampTokens(p.HotTokens)
	p.Budget.Allocated = clampTokens(p.Budget.Allocated)
	p.Budget.Used = clampTokens(p.Budget.Used)
	p.Budget.Peak = clampTokens(p.Budget.Peak)
}

func sanitizeIdentifier(s string) string {
	return identifierAllowed.ReplaceAllString(s, "")
}

// sanitizeText strips control characters (keeping newline and tab) before
// truncation so the result length is stable under repeated application.
func sanitizeText(s string, maxLen int) string {
	s = stripControl(s)
	return util.TruncateString(s, maxLen, false)
}

func sanitizeList(items []string, maxEntries, maxLen int) []string {
	if len(items) == 0 {
		return items
	}
	if len(items) > maxEntries {
		items = items[:maxEntries]
	}
	for i, s := range items {
		items[i] = sanitizeText(s, maxLen)
	}
	return items
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxTokenValue {
		return MaxTokenValue
	}
	return n
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
