package observability

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the root structured logger for a binary. Level names follow
// hclog (trace, debug, info, warn, error); unknown names fall back to info.
func NewLogger(name, level string, out io.Writer) hclog.Logger {
	if out == nil {
		out = os.Stderr
	}
	lvl := hclog.LevelFromString(strings.TrimSpace(level))
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		Output:     out,
		JSONFormat: strings.EqualFold(os.Getenv("IAS_LOG_FORMAT"), "json"),
	})
}
