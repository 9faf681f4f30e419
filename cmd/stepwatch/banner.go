package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func printStartupBanner(w io.Writer, cfg appConfig, src *openedSource) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╦╗╔═╗╔═╗╦ ╦╔═╗╔╦╗╔═╗╦ ╦
    ╚═╗ ║ ║╣ ╠═╝║║║╠═╣ ║ ║  ╠═╣
    ╚═╝ ╩ ╚═╝╩  ╚╩╝╩ ╩ ╩ ╚═╝╩ ╩`)

	var lines []string
	lines = append(lines, "", logo, "    "+dim.Render("v"+version), "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	// Source
	lines = append(lines, bold.Render("    Source"), "")
	lines = append(lines, fmt.Sprintf("    %s  Kind           %s", check, cyan.Render(src.source.Name())))
	switch cfg.Source {
	case sourceMongo:
		lines = append(lines, fmt.Sprintf("    %s  Database       %s", check, dim.Render(cfg.MongoDatabase+"."+cfg.StatusCollection)))
	case sourceBackend:
		lines = append(lines, fmt.Sprintf("    %s  Backend        %s", check, dim.Render(cfg.BackendURL)))
	case sourceDuckDB:
		lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	}
	lines = append(lines, fmt.Sprintf("    %s  Scopes         %s", check, dim.Render(scopeNames(src))))
	lines = append(lines, "")

	// Gateway
	lines = append(lines, bold.Render("    Gateway"), "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
		lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", check, cyan.Render(cfg.APIAddr+"/metrics")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	if src.store != nil && cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Push Ingest    %s", check, cyan.Render(cfg.APIAddr+"/api/status-updates")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Push Ingest    %s", dot, dim.Render("duckdb source only")))
	}
	lines = append(lines, "")

	// Runtime
	lines = append(lines, bold.Render("    Runtime"), "")
	lines = append(lines, fmt.Sprintf("    %s  Interval       %s", check, dim.Render(cfg.UpdateInterval.String())))
	lines = append(lines, fmt.Sprintf("    %s  Batch Size     %s", check, dim.Render(fmt.Sprint(cfg.BatchSize))))
	lines = append(lines, fmt.Sprintf("    %s  Log File       %s", check, dim.Render(shortenPath(cfg.LogFile))))
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func scopeNames(src *openedSource) string {
	names := make([]string, 0, len(src.scopes))
	for _, s := range src.scopes {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", ")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
