// Package present maps agents, statuses and connection states to display
// attributes. Every lookup has an explicit fallback so an unknown agent kind
// still renders.
package present

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentwatch/internal/activity"
	"agentwatch/internal/stream"
)

var (
	Pink   = lipgloss.Color("#ff71ce")
	Blue   = lipgloss.Color("#01cdfe")
	Mint   = lipgloss.Color("#05ffa1")
	Amber  = lipgloss.Color("#ffd166")
	Violet = lipgloss.Color("#b967ff")
	Text   = lipgloss.Color("#f3f3ff")
	Muted  = lipgloss.Color("#9ca3d8")
	Ink    = lipgloss.Color("#22062f")
)

type AgentKind int

const (
	AgentUnknown AgentKind = iota
	AgentOrchestrator
	AgentDataProfiler
	AgentInsightDiscovery
	AgentVisualization
	AgentRecommendation
	AgentQuery
)

func (k AgentKind) String() string {
	switch k {
	case AgentOrchestrator:
		return "orchestrator"
	case AgentDataProfiler:
		return "data_profiler"
	case AgentInsightDiscovery:
		return "insight_discovery"
	case AgentVisualization:
		return "visualization"
	case AgentRecommendation:
		return "recommendation"
	case AgentQuery:
		return "query"
	default:
		return "unknown"
	}
}

// ParseAgent normalises an agent name ("Enhanced Query Agent",
// "data-profiler", "DATA_PROFILER") and maps it onto a known kind.
func ParseAgent(name string) AgentKind {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch normalized {
	case "orchestrator":
		return AgentOrchestrator
	case "data_profiler", "profiler":
		return AgentDataProfiler
	case "insight_discovery", "insights":
		return AgentInsightDiscovery
	case "visualization", "visualisation":
		return AgentVisualization
	case "recommendation", "recommendations":
		return AgentRecommendation
	case "query", "query_agent":
		return AgentQuery
	}
	if strings.HasSuffix(normalized, "query_agent") {
		return AgentQuery
	}
	return AgentUnknown
}

type AgentStyle struct {
	Kind  AgentKind
	Icon  string
	Label string
	Color lipgloss.Color
}

func (s AgentStyle) Render(text string) string {
	return lipgloss.NewStyle().Foreground(s.Color).Bold(true).Render(text)
}

const (
	FallbackAgentIcon  = "◆"
	FallbackStatusIcon = "•"
)

// ForAgent returns display metadata for an agent. Unknown agents keep their
// own name as the label and get the generic icon and default color.
func ForAgent(name string) AgentStyle {
	kind := ParseAgent(name)
	switch kind {
	case AgentOrchestrator:
		return AgentStyle{Kind: kind, Icon: "⚙", Label: "Orchestrator", Color: Violet}
	case AgentDataProfiler:
		return AgentStyle{Kind: kind, Icon: "▤", Label: "Data Profiler", Color: Blue}
	case AgentInsightDiscovery:
		return AgentStyle{Kind: kind, Icon: "✦", Label: "Insight Discovery", Color: Amber}
	case AgentVisualization:
		return AgentStyle{Kind: kind, Icon: "◔", Label: "Visualization", Color: Pink}
	case AgentRecommendation:
		return AgentStyle{Kind: kind, Icon: "➜", Label: "Recommendation", Color: Mint}
	case AgentQuery:
		return AgentStyle{Kind: kind, Icon: "?", Label: "Query", Color: Blue}
	default:
		label := strings.TrimSpace(name)
		if label == "" {
			label = "system"
		}
		return AgentStyle{Kind: AgentUnknown, Icon: FallbackAgentIcon, Label: label, Color: Muted}
	}
}

type StatusStyle struct {
	Icon  string
	Label string
	Badge lipgloss.Style
}

func (s StatusStyle) Render() string {
	return s.Badge.Render(s.Icon + " " + s.Label)
}

func badge(bg lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Background(bg).Foreground(Ink).Bold(true).Padding(0, 1)
}

func ForStatus(status activity.Status) StatusStyle {
	switch status {
	case activity.StatusPending:
		return StatusStyle{Icon: "…", Label: "pending", Badge: badge(Muted)}
	case activity.StatusRunning:
		return StatusStyle{Icon: "▶", Label: "running", Badge: badge(Blue)}
	case activity.StatusCompleted:
		return StatusStyle{Icon: "✓", Label: "completed", Badge: badge(Mint)}
	case activity.StatusFailed:
		return StatusStyle{Icon: "✗", Label: "failed", Badge: badge(Pink)}
	case activity.StatusCancelled:
		return StatusStyle{Icon: "⊘", Label: "cancelled", Badge: badge(Amber)}
	case activity.StatusIdle:
		return StatusStyle{Icon: "◌", Label: "idle", Badge: badge(Muted)}
	default:
		label := strings.TrimSpace(string(status))
		if label == "" {
			label = "unknown"
		}
		return StatusStyle{
			Icon:  FallbackStatusIcon,
			Label: label,
			Badge: lipgloss.NewStyle().Foreground(Muted).Padding(0, 1),
		}
	}
}

type ConnectionStyle struct {
	Label string
	Color lipgloss.Color
}

func ForConnection(state stream.State) ConnectionStyle {
	switch state {
	case stream.StateConnecting:
		return ConnectionStyle{Label: "connecting", Color: Amber}
	case stream.StateOpen:
		return ConnectionStyle{Label: "live", Color: Mint}
	case stream.StateClosedRetrying:
		return ConnectionStyle{Label: "reconnecting", Color: Amber}
	case stream.StateClosedFatal:
		return ConnectionStyle{Label: "disconnected", Color: Pink}
	default:
		return ConnectionStyle{Label: "idle", Color: Muted}
	}
}
