package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/pipeline"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/store"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 14
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.Und)

func renderSummary(s pipeline.Summary, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader("Run "+s.RunID, colorize) {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderStatusLine("Outcome", runKind(s.Status), humanStatus(s.Status), colorize) + "\n")
	b.WriteString(renderStatusLine("Succeeded", statusInfo, strconv.Itoa(len(s.Succeeded)), colorize) + "\n")
	b.WriteString(renderStatusLine("Failed", failedKind(len(s.Ledger)), strconv.Itoa(len(s.Ledger)), colorize) + "\n")
	if s.Resumed {
		b.WriteString(renderStatusLine("Resumed at", statusInfo, fmt.Sprintf("stage %d", s.StartStage), colorize) + "\n")
	}
	b.WriteString(renderStatusLine("Elapsed", statusInfo, s.Duration.Round(time.Millisecond).String(), colorize) + "\n")
	if len(s.Ledger) > 0 {
		b.WriteString("\nFailure ledger\n")
		b.WriteString(renderLedger(s.Ledger) + "\n")
	}
	return b.String()
}

func renderRunStatus(s pipeline.RunStatus, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader("Run "+s.RunID, colorize) {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderStatusLine("Status", runKind(s.Status), humanStatus(s.Status), colorize) + "\n")
	b.WriteString(renderStatusLine("Phase", statusInfo, s.Phase, colorize) + "\n")
	stageText := "all stages finished"
	if s.StageName != "" {
		stageText = fmt.Sprintf("%s (%d/%d)", s.StageName, s.StageIndex+1, len(s.Stages))
	}
	b.WriteString(renderStatusLine("Stage", statusInfo, stageText, colorize) + "\n")
	b.WriteString(renderStatusLine("Surviving", statusInfo, strconv.Itoa(s.Surviving), colorize) + "\n")
	b.WriteString(renderStatusLine("Failed", failedKind(s.Failed), strconv.Itoa(s.Failed), colorize) + "\n")
	if s.ParentRunID != "" {
		b.WriteString(renderStatusLine("Retry of", statusInfo, s.ParentRunID, colorize) + "\n")
	}
	if s.Error != "" {
		b.WriteString(renderStatusLine("Error", statusError, s.Error, colorize) + "\n")
	}
	if s.Resumable() {
		b.WriteString(renderStatusLine("Resume", statusWarn, "videogen resume "+s.RunID, colorize) + "\n")
	}
	if len(s.Ledger) > 0 {
		b.WriteString("\nFailure ledger\n")
		b.WriteString(renderLedger(s.Ledger) + "\n")
	}
	return b.String()
}

func renderLedger(entries []store.LedgerEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			strconv.Itoa(e.RowIndex),
			e.Stage,
			e.Kind,
			e.Reason,
			strconv.Itoa(e.Attempts),
			e.Message,
		})
	}
	return renderTable(
		[]string{"Row", "Stage", "Kind", "Reason", "Attempts", "Detail"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func humanStatus(status store.RunStatus) string {
	return titleCaser.String(strings.ReplaceAll(string(status), "_", " "))
}

func runKind(status store.RunStatus) statusKind {
	switch status {
	case store.RunSucceeded:
		return statusOK
	case store.RunPartiallyFailed, store.RunRunning, store.RunPending:
		return statusWarn
	default:
		return statusError
	}
}

func failedKind(n int) statusKind {
	if n > 0 {
		return statusWarn
	}
	return statusOK
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusKindLabel(kind), message)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
