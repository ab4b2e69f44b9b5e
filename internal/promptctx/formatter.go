package promptctx

import (
	"fmt"
	"strings"

	"github.com/twelevegg/callcopilot/pkg/types"
)

// FormatSystemPrompt renders a system prompt for the Guidance or Marketing
// generator from the customer profile, a pre-assembled retrieval context
// block (see [Assembler.AssembleContext]), the recent turn window, and a
// preamble describing what the generator should produce.
//
// The formatter is pure: no I/O, safe for concurrent use. Empty sections
// (no profile, no retrieved context, no turns) are omitted entirely.
func FormatSystemPrompt(preamble string, profile *types.CustomerProfile, retrievedContext string, turns []types.HistoryEntry) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(preamble))

	if profile != nil {
		section := formatProfileSection(profile)
		if section != "" {
			sb.WriteString("\n\n## Customer Profile\n")
			sb.WriteString(section)
		}
	}

	if ctx := strings.TrimSpace(retrievedContext); ctx != "" {
		sb.WriteString("\n\n## Retrieved Context\n")
		sb.WriteString(ctx)
	}

	if len(turns) > 0 {
		sb.WriteString("\n\n## Recent Conversation\n")
		sb.WriteString(formatTurnsSection(turns))
	}

	return sb.String()
}

func formatProfileSection(p *types.CustomerProfile) string {
	var lines []string
	if p.Plan != "" {
		lines = append(lines, fmt.Sprintf("Plan: %s (%.0f/month)", p.Plan, p.MonthlyFee))
	}
	if p.ContractActive {
		lines = append(lines, fmt.Sprintf("Contract: active, %d months remaining", p.ContractRemainingMonths))
	} else {
		lines = append(lines, "Contract: none active")
	}
	if p.DiscountActive {
		lines = append(lines, "Discount: currently applied")
	}
	if len(p.AddOns) > 0 {
		lines = append(lines, fmt.Sprintf("Add-ons: %s", strings.Join(p.AddOns, ", ")))
	}
	if p.OverageCount > 0 {
		lines = append(lines, fmt.Sprintf("Overage events: %d", p.OverageCount))
	}
	if p.Region != "" {
		lines = append(lines, fmt.Sprintf("Region: %s", p.Region))
	}
	if len(p.Signals) > 0 {
		lines = append(lines, fmt.Sprintf("Signals: %s", strings.Join(p.Signals, ", ")))
	}
	return strings.Join(lines, "\n")
}

func formatTurnsSection(turns []types.HistoryEntry) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		speaker := "Customer"
		if t.Speaker == types.SpeakerAgent {
			speaker = "Agent"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, t.Transcript))
	}
	return strings.Join(lines, "\n")
}
