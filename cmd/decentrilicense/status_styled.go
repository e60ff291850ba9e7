package main

import (
	"fmt"
	"strings"
	"time"

	"decentrilicense/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	failureStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func field(label, value string, style lipgloss.Style) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), style.Render(value))
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "Coordinator":
		return successStyle
	case "Follower":
		return warningStyle
	default:
		return valueStyle
	}
}

func resultLine(res string, valid bool) (string, lipgloss.Style) {
	if valid {
		return "valid (" + res + ")", successStyle
	}
	return "invalid (" + res + ")", failureStyle
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "…"
	}
	return id
}

func renderStatus(r *statusReport) string {
	var device strings.Builder
	device.WriteString(field("Device ID", r.DeviceID, valueStyle) + "\n")
	device.WriteString(field("State", r.DeviceState, stateStyle(r.DeviceState)))
	if r.Activation != nil {
		text, style := resultLine(r.Activation.Detail, r.Activation.Valid)
		device.WriteString("\n" + field("Activation", text, style))
	}

	var tok strings.Builder
	if !r.Token.HasToken {
		tok.WriteString(mutedStyle.Render("No token loaded"))
	} else {
		st := r.Token
		activated := "no"
		activatedStyle := warningStyle
		if st.IsActivated {
			activated, activatedStyle = "yes", successStyle
		}
		rows := []string{
			field("License", st.LicenseCode, valueStyle),
			field("App", st.AppID, valueStyle),
			field("Token ID", st.TokenID, valueStyle),
			field("Holder", shortID(st.HolderDeviceID), valueStyle),
			field("Activated here", activated, activatedStyle),
			field("State index", fmt.Sprintf("%d", st.StateIndex), valueStyle),
			field("Issued", time.Unix(st.IssueTime, 0).Format(time.RFC3339), valueStyle),
			field("Expires", utils.FormatRemaining(st.ExpireTime, time.Now()), valueStyle),
		}
		text, style := resultLine(r.Verification.Detail, r.Verification.Valid)
		rows = append(rows, field("Verification", text, style))
		tok.WriteString(strings.Join(rows, "\n"))
	}

	out := []string{
		createPanel("Device", device.String()),
		createPanel("Token", tok.String()),
	}
	if len(r.Peers) > 0 {
		out = append(out, createPanel("LAN Peers", renderPeers(r.Peers)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, out...)
}

func renderPeers(peers []peerRow) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("DEVICE", "ADDRESS", "HOLDER", "INDEX", "STATUS", "LAST SEEN")
	for _, p := range peers {
		holder := "-"
		if p.HolderPriority {
			holder = "yes"
		}
		t.Row(shortID(p.DeviceID), p.Addr, holder, fmt.Sprintf("%d", p.StateIndex), strings.ToUpper(p.Status), p.LastSeen)
	}
	return t.Render()
}
