package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/telhawk-systems/relay/common/logging"
	"github.com/telhawk-systems/relay/common/models"
)

const maxLineSize = 1 << 20

// NDJSONReader reads one RawEvent per line. Blank lines are ignored and
// lines that do not decode are logged and skipped.
type NDJSONReader struct {
	r         io.Reader
	sessionID string
	logger    *slog.Logger
	now       func() time.Time
}

func NewNDJSONReader(r io.Reader, sessionID string, logger *slog.Logger) *NDJSONReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &NDJSONReader{r: r, sessionID: sessionID, logger: logger, now: time.Now}
}

func (n *NDJSONReader) Run(ctx context.Context, emit Emit) (Summary, error) {
	var sum Summary
	scanner := bufio.NewScanner(n.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var ev models.RawEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			sum.Skipped++
			n.logger.Warn("skipping unreadable event", slog.Int("line", line), logging.Error(err))
			continue
		}
		stamp(&ev, n.sessionID, n.now())
		emit(ev)
		sum.Emitted++
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read events: %w", err)
	}
	return sum, nil
}
