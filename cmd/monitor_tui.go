// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/thermobase/pkg/control"
	"github.com/Thermoquad/thermobase/pkg/radio"
	"github.com/Thermoquad/thermobase/pkg/thermolink"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	ctx     context.Context
	session *radioSession
	tx      *radio.Transmitter

	// Monitoring (shared with the stats view)
	stats         *thermolink.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	latest        map[string]*thermolink.SensorPacket
	rules         []thermolink.PositionedRule

	// Control
	input   textinput.Model
	pending string // request in flight, empty when idle

	// UI state
	width          int
	height         int
	quitting       bool
	connectionLost bool
	connInfo       string
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type monitorBatchMsg []monitorEvent

type commandDoneMsg struct {
	line   string
	result thermolink.CommandResult
	rules  []thermolink.PositionedRule
	err    error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(ctx context.Context, session *radioSession, tx *radio.Transmitter) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "PO:ON:21.5"
	ti.CharLimit = 64
	ti.Width = 30
	ti.Prompt = "> "
	ti.Focus()

	return monitorModel{
		ctx:           ctx,
		session:       session,
		tx:            tx,
		stats:         thermolink.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		latest:        make(map[string]*thermolink.SensorPacket),
		input:         ti,
		width:         80,
		height:        24,
		connInfo:      session.info(),
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTickCmd(), textinput.Blink)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case monitorTickMsg:
		m.stats.CalculateRates()
		return m, monitorTickCmd()

	case monitorBatchMsg:
		for _, ev := range msg {
			m.handleEvent(ev)
		}
		return m, nil

	case commandDoneMsg:
		m.pending = ""
		m.handleCommandDone(msg)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *monitorModel) handleEvent(ev monitorEvent) {
	switch {
	case ev.lost != nil:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection lost: %v", ev.lost), true)

	case ev.reconnect != "":
		m.connectionLost = false
		m.connInfo = ev.reconnect
		m.addLogEntry("Reconnected: "+ev.reconnect, false)

	case ev.linkErr != nil:
		m.stats.Update(ev.linkErr, nil)
		m.addLogEntry(fmt.Sprintf("LINK ERROR: %v", ev.linkErr), true)

	case ev.frame != nil:
		packet, err := m.session.decoder.DecodeFrame(ev.frame.Link.SourceID(), ev.frame.Payload)
		m.stats.Update(nil, err)
		if err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", thermolink.FormatOpcode(ev.frame.Opcode), err), true)
			return
		}
		anomalies := thermolink.ValidateSensorPacket(packet)
		m.stats.RecordAnomalies(anomalies)
		for _, a := range anomalies {
			m.addLogEntry("Implausible reading: "+a.Message, true)
		}

		id := fmt.Sprintf("%x", packet.SourceID)
		if _, seen := m.latest[id]; !seen {
			m.addLogEntry("First telemetry from node "+id, false)
		}
		m.latest[id] = packet
	}
}

// submit parses the input line and starts the request
func (m monitorModel) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return m, nil
	}
	m.input.SetValue("")

	command, err := control.Parse(line)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Invalid request %q: %v", line, err), true)
		return m, nil
	}

	if _, ok := command.(control.DataRequest); ok {
		m.logLatest()
		return m, nil
	}

	if m.pending != "" {
		m.addLogEntry(fmt.Sprintf("Busy with %s, try again", m.pending), true)
		return m, nil
	}
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}

	line = strings.ToUpper(line)
	m.pending = line
	m.addLogEntry("Sending "+line, false)
	return m, m.transmitCmd(line, command)
}

// transmitCmd runs the transmit cycle off the UI goroutine
func (m monitorModel) transmitCmd(line string, command control.Command) tea.Cmd {
	ctx, tx := m.ctx, m.tx
	return func() tea.Msg {
		if rc, ok := command.(control.RuleChange); ok && rc.Op == control.RuleGet {
			rules, result, err := tx.QueryRules(ctx)
			return commandDoneMsg{line: line, result: result, rules: rules, err: err}
		}
		result, err := tx.Transmit(ctx, command)
		return commandDoneMsg{line: line, result: result, err: err}
	}
}

func (m *monitorModel) handleCommandDone(msg commandDoneMsg) {
	switch {
	case errors.Is(msg.err, radio.ErrStatusUnknown):
		m.addLogEntry(fmt.Sprintf("%s: no answer from node, status unknown", msg.line), true)
	case msg.err != nil:
		m.addLogEntry(fmt.Sprintf("%s: %v", msg.line, msg.err), true)
	case !msg.result.Success:
		m.addLogEntry(fmt.Sprintf("%s: rejected (%s)", msg.line, msg.result.Detail), true)
	case msg.rules != nil:
		m.rules = msg.rules
		m.addLogEntry(fmt.Sprintf("%s: %d rules", msg.line, len(msg.rules)), false)
	default:
		m.addLogEntry(fmt.Sprintf("%s: %s", msg.line, msg.result.Detail), false)
	}
}

// logLatest answers DR from the readings already received
func (m *monitorModel) logLatest() {
	if len(m.latest) == 0 {
		m.addLogEntry("DR: no telemetry received yet", true)
		return
	}
	for id, p := range m.latest {
		parts := make([]string, 0, len(p.Readings))
		for _, r := range p.Readings {
			parts = append(parts, fmt.Sprintf("%s=%s", r.Kind, thermolink.FormatReading(r)))
		}
		m.addLogEntry(fmt.Sprintf("DR %s: %s", id, strings.Join(parts, " ")), false)
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	var s strings.Builder

	// Header
	s.WriteString(titleStyle.Render("THERMOBASE MONITOR"))
	s.WriteString(" ")
	connStatus := statsValueStyle.Render(m.connInfo)
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | Node %016X | Esc to quit", connStatus, m.session.node)))
	s.WriteString("\n\n")

	// Readings and rules side by side
	leftWidth := m.width/2 - 3
	if leftWidth < 30 {
		leftWidth = 30
	}
	readings := headerStyle.Render("(no telemetry yet)")
	if len(m.latest) > 0 {
		readings = renderReadings(m.latest, statsLabelStyle, statsValueStyle, headerStyle)
	}
	left := boxStyle.Width(leftWidth).Render(statsLabelStyle.Render("READINGS") + "\n" + readings)
	right := boxStyle.Width(m.width - leftWidth - 8).Render(statsLabelStyle.Render("RULES") + "\n" + m.renderRules(headerStyle))
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	s.WriteString("\n")

	// Command input
	inputContent := m.input.View()
	if m.pending != "" {
		inputContent += "  " + warningStyle.Render("waiting for "+m.pending+"...")
	}
	s.WriteString(focusedBoxStyle.Width(m.width - 4).Render(inputContent))
	s.WriteString("\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")
	logHeight := m.height - 18 - 2*len(m.latest)
	if logHeight < 3 {
		logHeight = 3
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderLogEntries(m.errorLog, logHeight, headerStyle, warningStyle, errorStyle)))

	return s.String()
}

func (m monitorModel) renderRules(dimStyle lipgloss.Style) string {
	if m.rules == nil {
		return dimStyle.Render("(send TR:GET)")
	}
	return strings.TrimRight(thermolink.FormatRuleSet(m.rules), "\n")
}

func (m monitorModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	m.stats.CalculateRates()

	var validPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
	}

	errCount := statsValueStyle.Render("0")
	if n := m.stats.ErrorCount(); n > 0 {
		errCount = errorStyle.Render(fmt.Sprintf("%d", n))
	}

	content := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		statsLabelStyle.Render("Telemetry:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), errCount,
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.2f frames/s", m.stats.FrameRate)),
	)
	return boxStyle.Width(m.width - 4).Render(content)
}
