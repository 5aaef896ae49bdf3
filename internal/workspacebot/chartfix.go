package workspacebot

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// chartSubstitutions are applied in order to every string in the chart
// definition. Currency and encoding markers break the chart renderer, so they
// are rewritten to plain words. Order matters: "R$" must go before "$" and
// "%20" before "%".
var chartSubstitutions = [][2]string{
	{"R$", "Real"},
	{"%20", " "},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"%", "pct"},
	{"&", "and"},
}

type ChartRepairerOptions struct {
	LogPath string
	Logger  Logger
	Now     func() time.Time
}

// ChartRepairer sanitizes quickchart.io URLs whose embedded JSON carries
// characters the renderer rejects. Repair fails open: when the URL cannot be
// parsed or rebuilt, the original comes back unchanged.
type ChartRepairer struct {
	logPath string
	logger  Logger
	now     func() time.Time
	mu      sync.Mutex
}

func NewChartRepairer(opts ChartRepairerOptions) *ChartRepairer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ChartRepairer{
		logPath: strings.TrimSpace(opts.LogPath),
		logger:  logger,
		now:     now,
	}
}

// Repair rewrites the chart definition inside a quickchart URL and re-encodes
// it with PNG output. Repaired URLs are appended to the repair log alongside
// the original.
func (r *ChartRepairer) Repair(rawURL string) string {
	repaired, changed, err := repairChartURL(rawURL)
	if err != nil {
		r.logger.Printf("chart repair: %s: %v", rawURL, err)
		return rawURL
	}
	if changed {
		r.appendLog(rawURL, repaired)
	}
	return repaired
}

func repairChartURL(rawURL string) (string, bool, error) {
	// The definition may contain raw ampersands, so query-parameter parsing
	// would truncate it. Everything after "chart?c=" is the payload, minus the
	// output-format suffix.
	_, chartParam, found := strings.Cut(strings.TrimSpace(rawURL), "chart?c=")
	if !found || chartParam == "" {
		return "", false, fmt.Errorf("%w: no chart definition in url", ErrInvalidInput)
	}
	if idx := strings.LastIndex(chartParam, "&format="); idx >= 0 {
		chartParam = chartParam[:idx]
	}
	if decoded, err := url.QueryUnescape(chartParam); err == nil {
		chartParam = decoded
	}
	var definition any
	if err := json.Unmarshal([]byte(chartParam), &definition); err != nil {
		// Model output sometimes single-quotes the JSON.
		requoted := strings.ReplaceAll(chartParam, "'", `"`)
		if err := json.Unmarshal([]byte(requoted), &definition); err != nil {
			return "", false, fmt.Errorf("chart definition is not json: %w", err)
		}
	}
	sanitized := substituteStrings(definition)
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return "", false, err
	}
	repaired := "https://quickchart.io/chart?c=" + url.QueryEscape(string(encoded)) + "&format=png"
	return repaired, repaired != rawURL, nil
}

func substituteStrings(value any) any {
	switch typed := value.(type) {
	case string:
		for _, sub := range chartSubstitutions {
			typed = strings.ReplaceAll(typed, sub[0], sub[1])
		}
		return typed
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			out[key] = substituteStrings(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = substituteStrings(inner)
		}
		return out
	default:
		return value
	}
}

func (r *ChartRepairer) appendLog(original, repaired string) {
	if r.logPath == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir := filepath.Dir(r.logPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.logger.Printf("chart repair: create log dir: %v", err)
			return
		}
	}
	f, err := os.OpenFile(r.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Printf("chart repair: open log: %v", err)
		return
	}
	defer f.Close()
	entry := fmt.Sprintf("[%s]\nOriginal: %s\nRepaired: %s\n\n",
		r.now().UTC().Format(time.RFC3339), original, repaired)
	if _, err := f.WriteString(entry); err != nil {
		r.logger.Printf("chart repair: append log: %v", err)
	}
}
