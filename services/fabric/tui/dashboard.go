// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui provides the live tree dashboard behind "treefabric top".
//
// # Description
//
// The dashboard polls the root's stats on an interval and draws the
// topology with a load bar per intermediate. It can trigger a rebalance or
// a reconcile from the keyboard.
//
// # Thread Safety
//
// Dashboard is a bubbletea model and is only touched by the bubbletea
// event loop.
package tui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// DefaultInterval is the polling interval when none is configured.
const DefaultInterval = time.Second

// barWidth is the width of a full load bar in cells.
const barWidth = 30

// Source is what the dashboard needs from the root.
type Source interface {
	RootStats(ctx context.Context, root string) (datatypes.RootStats, error)
	Rebalance(ctx context.Context, root string) (datatypes.RebalanceReport, error)
	Reconcile(ctx context.Context, root string) (datatypes.ReconcileReport, error)
}

// =============================================================================
// Messages
// =============================================================================

type statsMsg struct {
	stats datatypes.RootStats
	err   error
}

type tickMsg time.Time

type actionMsg struct {
	summary string
	err     error
}

// =============================================================================
// Key bindings
// =============================================================================

type keyMap struct {
	Quit      key.Binding
	Rebalance key.Binding
	Reconcile key.Binding
	Refresh   key.Binding
}

var keys = keyMap{
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
	Rebalance: key.NewBinding(key.WithKeys("b"), key.WithHelp("b", "rebalance")),
	Reconcile: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "reconcile")),
	Refresh:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2CD7C7"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#20B9B4"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4D03F"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#16858E")).
			Padding(0, 1)
)

// =============================================================================
// Dashboard
// =============================================================================

// Dashboard is the bubbletea model.
type Dashboard struct {
	source   Source
	root     string
	interval time.Duration
	timeout  time.Duration

	spinner spinner.Model
	stats   *datatypes.RootStats
	err     error
	action  string
	busy    bool
	updated time.Time
}

// New creates a dashboard for the root named root.
func New(source Source, root string, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dashboard{
		source:   source,
		root:     root,
		interval: interval,
		timeout:  5 * time.Second,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(barStyle)),
	}
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.spinner.Tick, d.fetch())
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return d, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return d, d.fetch()
		case key.Matches(msg, keys.Rebalance):
			return d, d.rebalance()
		case key.Matches(msg, keys.Reconcile):
			return d, d.reconcile()
		}
	case statsMsg:
		d.err = msg.err
		if msg.err == nil {
			stats := msg.stats
			d.stats = &stats
			d.updated = time.Now()
		}
		return d, tea.Tick(d.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
	case tickMsg:
		return d, d.fetch()
	case actionMsg:
		d.busy = false
		d.action = msg.summary
		if msg.err != nil {
			d.action = msg.err.Error()
		}
		return d, d.fetch()
	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("treefabric") + " " + mutedStyle.Render(d.root))
	if d.busy {
		b.WriteString(" " + d.spinner.View())
	}
	b.WriteString("\n\n")

	if d.stats == nil {
		if d.err != nil {
			b.WriteString(errStyle.Render(d.err.Error()) + "\n")
		} else {
			b.WriteString(d.spinner.View() + " connecting\n")
		}
		b.WriteString("\n" + help())
		return b.String()
	}

	b.WriteString(boxStyle.Render(renderStats(*d.stats)) + "\n")
	if d.err != nil {
		b.WriteString(errStyle.Render("stale: "+d.err.Error()) + "\n")
	}
	if d.action != "" {
		b.WriteString(mutedStyle.Render(d.action) + "\n")
	}
	b.WriteString(mutedStyle.Render("updated "+d.updated.Format("15:04:05")) + "\n\n")
	b.WriteString(help())
	return b.String()
}

func (d *Dashboard) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		stats, err := d.source.RootStats(ctx, d.root)
		return statsMsg{stats: stats, err: err}
	}
}

func (d *Dashboard) rebalance() tea.Cmd {
	if d.busy {
		return nil
	}
	d.busy = true
	return tea.Batch(d.spinner.Tick, d.runRebalance)
}

func (d *Dashboard) runRebalance() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	report, err := d.source.Rebalance(ctx, d.root)
	if err != nil {
		return actionMsg{err: err}
	}
	if report.ActionTaken {
		return actionMsg{summary: fmt.Sprintf("moved %s from %s to %s", report.Leaf, report.Heavy, report.Light)}
	}
	return actionMsg{summary: "rebalance: " + report.Details}
}

func (d *Dashboard) reconcile() tea.Cmd {
	if d.busy {
		return nil
	}
	d.busy = true
	return tea.Batch(d.spinner.Tick, d.runReconcile)
}

func (d *Dashboard) runReconcile() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	report, err := d.source.Reconcile(ctx, d.root)
	if err != nil {
		return actionMsg{err: err}
	}
	if report.Consistent {
		return actionMsg{summary: "reconcile: consistent"}
	}
	return actionMsg{summary: "reconcile: still inconsistent: " + strings.Join(report.Errors, "; ")}
}

func renderStats(stats datatypes.RootStats) string {
	names := make([]string, 0, len(stats.Topology))
	var peak int64 = 1
	for name := range stats.Topology {
		names = append(names, name)
		peak = max(peak, stats.Loads[name])
	}
	slices.Sort(names)

	state := string(stats.State)
	if stats.State != datatypes.StateBalanced {
		state = warnStyle.Render(state)
	}
	if !stats.Consistent {
		state += " " + errStyle.Render("inconsistent")
	}

	lines := []string{
		fmt.Sprintf("state %s  threshold %.2f  tasks %d  failed %d", state, stats.Threshold, stats.TaskCount, stats.FailedCount),
		"",
	}
	for _, name := range names {
		load := stats.Loads[name]
		filled := int(load * barWidth / peak)
		bar := barStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", barWidth-filled))
		lines = append(lines,
			fmt.Sprintf("%-20s %s %d", name, bar, load),
			mutedStyle.Render("  "+strings.Join(stats.Topology[name], " ")),
		)
	}
	return strings.Join(lines, "\n")
}

func help() string {
	bindings := []key.Binding{keys.Refresh, keys.Rebalance, keys.Reconcile, keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, k := range bindings {
		h := k.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return mutedStyle.Render(strings.Join(parts, " • "))
}
