// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Thermoquad/thermobase/pkg/thermolink"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Event log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// TUI model
type statsModel struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *thermolink.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	skipped       int
	width         int
	height        int
	quitting      bool
	lost          error
	latest        map[string]*thermolink.SensorPacket // by source id
}

// Messages
type tickMsg time.Time
type frameMsg frameEvent
type syncMsg struct {
	skipped int
}
type statsLostMsg struct {
	err error
}

func initialStatsModel(connInfo string, statsInterval int, showAll bool) statsModel {
	return statsModel{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         thermolink.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
		latest:        make(map[string]*thermolink.SensorPacket),
	}
}

func (m statsModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m statsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.skipped = msg.skipped
		if msg.skipped > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d rejected frames", msg.skipped), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case statsLostMsg:
		m.lost = msg.err
		m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)

	case frameMsg:
		m.stats.Update(msg.linkErr, msg.decodeErr)
		m.stats.RecordAnomalies(msg.anomalies)

		switch {
		case msg.linkErr != nil:
			m.addLogEntry(fmt.Sprintf("LINK ERROR: %v", msg.linkErr), true)
		case msg.decodeErr != nil:
			m.addLogEntry(fmt.Sprintf("%s: %v", frameName(msg.frame), msg.decodeErr), true)
		default:
			if msg.packet != nil {
				m.latest[fmt.Sprintf("%x", msg.packet.SourceID)] = msg.packet
			}
			for _, a := range msg.anomalies {
				m.addLogEntry(fmt.Sprintf("%s: %s", frameName(msg.frame), a.Message), true)
			}
			if m.showAll {
				m.addLogEntry(fmt.Sprintf("%s (valid)", frameName(msg.frame)), false)
			}
		}
	}

	return m, nil
}

// frameName returns the opcode name of a link frame's payload
func frameName(lf *thermolink.LinkFrame) string {
	if lf == nil {
		return "FRAME"
	}
	op, ok := thermolink.Opcode(thermolink.Destuff(lf.Payload()))
	if !ok {
		return "EMPTY"
	}
	return thermolink.FormatOpcode(op)
}

func (m *statsModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m statsModel) View() string {
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

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("THERMOBASE - LINK STATISTICS"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset, 'q' quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.lost != nil:
		s.WriteString(errorStyle.Render("✗ Connection lost"))
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.skipped > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d rejected frames)", m.skipped)))
		}
	}
	s.WriteString("\n\n")

	// Statistics
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	errorCount := m.stats.ErrorCount()
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(errorCount) * 100.0 / float64(m.stats.TotalFrames+m.stats.ChecksumErrors+m.stats.LinkErrors)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errorCount, errorPercent)),
	))

	if m.stats.ChecksumErrors > 0 || m.stats.LinkErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Checksum:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.ChecksumErrors)),
			statsLabelStyle.Render("Framing:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.LinkErrors)),
		))
	}

	if m.stats.MalformedPackets > 0 || m.stats.UnknownSensorTypes > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.MalformedPackets)),
			statsLabelStyle.Render("Unknown sensors:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.UnknownSensorTypes)),
		))
	}

	if m.stats.AnomalousPackets > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.AnomalousPackets)),
		))
	}

	if m.stats.RuleErrors > 0 || m.stats.OtherErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Rule errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.RuleErrors)),
			statsLabelStyle.Render("Other:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.OtherErrors)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Telemetry section (only shown if telemetry received)
	if len(m.latest) > 0 {
		s.WriteString(statsLabelStyle.Render("Latest Telemetry:"))
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(renderReadings(m.latest, statsLabelStyle, statsValueStyle, headerStyle)))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 15 - 2*len(m.latest)
	if logHeight < 5 {
		logHeight = 5
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(renderLogEntries(m.errorLog, logHeight, headerStyle, warningStyle, errorStyle)))

	return s.String()
}

// renderReadings renders the newest packet of every source, sorted by id
func renderReadings(latest map[string]*thermolink.SensorPacket, labelStyle, valueStyle, dimStyle lipgloss.Style) string {
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var content strings.Builder
	for i, id := range ids {
		p := latest[id]
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString(fmt.Sprintf("%s %s\n",
			labelStyle.Render("Node "+id),
			dimStyle.Render(fmt.Sprintf("(%s ago)", time.Since(p.Received).Truncate(time.Second)))))
		parts := make([]string, 0, len(p.Readings))
		for _, r := range p.Readings {
			parts = append(parts, fmt.Sprintf("%s %s", r.Kind, valueStyle.Render(thermolink.FormatReading(r))))
		}
		content.WriteString("  " + strings.Join(parts, "  "))
	}
	return content.String()
}

// renderLogEntries renders the last height entries of an event log
func renderLogEntries(entries []errorLogEntry, height int, dimStyle, infoStyle, errorStyle lipgloss.Style) string {
	if len(entries) == 0 {
		return dimStyle.Render("  (no events yet)")
	}

	startIdx := len(entries) - height
	if startIdx < 0 {
		startIdx = 0
	}

	var content strings.Builder
	for i := startIdx; i < len(entries); i++ {
		entry := entries[i]
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			content.WriteString(fmt.Sprintf("%s %s\n", dimStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			content.WriteString(fmt.Sprintf("%s %s\n", dimStyle.Render(timestamp), infoStyle.Render("ℹ "+entry.message)))
		}
	}
	return content.String()
}
