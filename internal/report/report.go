// Package report serializes a completed SessionReport to the JSON
// summary file and wires up the per-session text log file, both named
// by session ID under logs/.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/sirupsen/logrus"
)

const logsDir = "logs"

// SummaryPath returns the path the JSON summary for sessionID is
// written to.
func SummaryPath(sessionID string) string {
	return filepath.Join(logsDir, fmt.Sprintf("dicom_sender_summary_%s.json", sessionID))
}

// SessionLogPath returns the path the per-session text log for
// sessionID is written to.
func SessionLogPath(sessionID string) string {
	return filepath.Join(logsDir, fmt.Sprintf("dicom_sender_%s.log", sessionID))
}

// WriteSummary serializes report as pretty JSON to its session-keyed
// path, creating logs/ if needed.
func WriteSummary(r *model.SessionReport) error {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("report: create log dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal summary: %w", err)
	}
	path := SummaryPath(r.SessionID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: write summary %s: %w", path, err)
	}
	return nil
}

// AttachSessionLog adds a per-session text-formatted file hook to
// logger, mirroring the teacher's practice of a second logrus output
// alongside the console handler, generalized here to a session-scoped
// path rather than one fixed filename. This is the text log file
// distinct from the JSON summary WriteSummary produces.
func AttachSessionLog(logger *logrus.Logger, sessionID string) (*os.File, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create log dir: %w", err)
	}
	path := SessionLogPath(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: open session log %s: %w", path, err)
	}
	logger.AddHook(&fileHook{file: f, formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}})
	return f, nil
}

// fileHook writes every log entry to a file, independent of the
// console formatter attached to the same logger.
type fileHook struct {
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
