package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// debugLogEntry is the on-disk shape of one logged model call.
type debugLogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
}

// writeDebugLog stores the request and response of one call under stateDir/debug.
// Failures are logged and otherwise ignored.
func (c *Client) writeDebugLog(method, model string, params, response interface{}) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	debugDir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0o755); err != nil {
		slog.Warn("genai.Client.writeDebugLog: failed to create debug dir", "dir", debugDir, "error", err)
		return
	}

	now := time.Now()
	entry := debugLogEntry{
		Timestamp: now,
		Method:    method,
		Model:     model,
		Params:    params,
		Response:  response,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.Client.writeDebugLog: failed to marshal entry", "method", method, "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	path := filepath.Join(debugDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("genai.Client.writeDebugLog: failed to write debug file", "path", path, "error", err)
		return
	}
	slog.Debug("genai.Client.writeDebugLog: wrote debug file", "path", path)
}
