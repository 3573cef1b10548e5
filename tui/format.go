package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/go-authgate/scan-cli/scanapi"
)

// DisplayName picks the name to greet a signed-in user by.
func DisplayName(profile map[string]any) string {
	for _, k := range []string{"username", "email"} {
		if v, ok := profile[k].(string); ok && v != "" {
			return v
		}
	}
	return "user"
}

// profileLines renders profile fields sorted by key, username and email
// first.
func profileLines(profile map[string]any) []string {
	keys := make([]string, 0, len(profile))
	for k := range profile {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return strings.Compare(profileRank(a), profileRank(b))
	})

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%-12s %v", k+":", profile[k]))
	}
	return lines
}

func profileRank(key string) string {
	switch key {
	case "username":
		return "0"
	case "email":
		return "1"
	}
	return "2" + key
}

func documentLines(docs []scanapi.Document) []string {
	if len(docs) == 0 {
		return []string{"No documents yet."}
	}
	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		lines = append(lines, documentLine(d))
	}
	return lines
}

func documentLine(d scanapi.Document) string {
	line := fmt.Sprintf("#%-5d %-30s %3d findings", d.ID, d.Filename, d.Findings)
	if !d.UploadedAt.IsZero() {
		line += "  " + d.UploadedAt.Format("2006-01-02 15:04")
	}
	return line
}

func statsLines(s *scanapi.Stats) []string {
	lines := []string{
		fmt.Sprintf("%-12s %d", "documents:", s.Documents),
		fmt.Sprintf("%-12s %d", "scans:", s.Scans),
		fmt.Sprintf("%-12s %d", "findings:", s.Findings),
	}
	if len(s.Extra) > 0 {
		lines = append(lines, profileLines(s.Extra)...)
	}
	return lines
}

// detectionLines pretty-prints the raw detection result.
func detectionLines(result json.RawMessage) []string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		return []string{string(result)}
	}
	return strings.Split(buf.String(), "\n")
}
