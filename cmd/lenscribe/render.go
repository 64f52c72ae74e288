package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"lenscribe/internal/pipeline"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2E8B57", Dark: "#50FA7B"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#F1FA8C"}
	colorError   = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#FF5555"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"}

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	styleText = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)

	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
)

// renderDisplay formats one DisplayResult for a terminal of the given width.
func renderDisplay(d pipeline.DisplayResult, width int) string {
	if width < 20 {
		width = 20
	}

	text := d.CorrectedText
	if text == "" {
		text = d.StableText
	}
	if text == "" {
		text = styleMuted.Render("(no text)")
	}

	lines := []string{
		styleHeader.Render(fmt.Sprintf("lenscribe  #%d", d.Iteration)),
		styleText.Width(width - 2).Render(text),
		statusStyle(d).Render(statusLine(d)),
	}
	if d.RawText != "" && d.RawText != d.CorrectedText {
		lines = append(lines, styleMuted.Render("raw: "+d.RawText))
	}
	lines = append(lines, styleMuted.Render(fmt.Sprintf(
		"ocr %dms  llm %dms  conf %.2f  correction %s",
		d.OCRTimeMS, d.LLMTimeMS, d.Confidence, onOff(d.CorrectionEnabled),
	)))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func statusLine(d pipeline.DisplayResult) string {
	status := d.Status
	if status == "" {
		status = "waiting"
	}
	if d.ErrorKind == pipeline.KindNone {
		return status
	}
	parts := []string{status, string(d.ErrorKind)}
	if d.ErrorMsg != "" {
		parts = append(parts, d.ErrorMsg)
	}
	return strings.Join(parts, " | ")
}

func statusStyle(d pipeline.DisplayResult) lipgloss.Style {
	switch d.ErrorKind {
	case pipeline.KindNone:
		if !d.CorrectionEnabled {
			return styleWarning
		}
		return styleSuccess
	case pipeline.KindLowConfidence:
		return styleWarning
	default:
		return styleError
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
