package supervisor

import (
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nupi-ai/corevisor/internal/coreapi"
	"github.com/nupi-ai/corevisor/internal/corelog"
)

const (
	rateLimitPerSecond = 50
	rateLimitBurstSize = 100
	maxLogLineLength   = 2000
)

const (
	defaultDropReportInterval = 2 * time.Second
	truncatedSuffix           = "…[truncated]"
)

// coreLogWriter splits core output into lines and forwards them to the log
// buffer, an optional file and optionally the process log.
type coreLogWriter struct {
	mu sync.Mutex

	sink   *corelog.Buffer
	file   io.Writer
	stream string
	echo   bool

	buffer  string
	limiter *rate.Limiter

	dropped            int
	lastDropReport     time.Time
	dropReportInterval time.Duration
}

func newCoreLogWriter(sink *corelog.Buffer, file io.Writer, stream string, echo bool) *coreLogWriter {
	return &coreLogWriter{
		sink:               sink,
		file:               file,
		stream:             stream,
		echo:               echo,
		limiter:            rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurstSize),
		lastDropReport:     time.Now(),
		dropReportInterval: defaultDropReportInterval,
	}
}

func (w *coreLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer += string(p)
	lines := strings.Split(w.buffer, "\n")
	w.buffer = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		w.publishLineLocked(line)
	}
	return len(p), nil
}

// Close flushes a trailing partial line and any pending drop report.
func (w *coreLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buffer != "" {
		w.publishLineLocked(w.buffer)
		w.buffer = ""
	}
	if w.dropped > 0 {
		w.reportDropsLocked()
	}
	return nil
}

func (w *coreLogWriter) publishLineLocked(line string) {
	w.maybeReportDropsLocked()

	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return
	}
	line, _ = truncateLogLine(line, maxLogLineLength)

	if w.file != nil {
		_, _ = io.WriteString(w.file, line+"\n")
	}

	if !w.limiter.Allow() {
		w.dropped++
		coreLogDroppedTotal.Inc()
		return
	}

	level, message := coreapi.ParseLogLine(line)
	if w.sink != nil {
		w.sink.Append(corelog.Line{Stream: w.stream, Level: level, Message: message})
	}
	if w.echo {
		log.Printf("[Core] %s", message)
	}
}

func (w *coreLogWriter) maybeReportDropsLocked() {
	if w.dropped == 0 {
		return
	}
	if time.Since(w.lastDropReport) < w.dropReportInterval {
		return
	}
	w.reportDropsLocked()
}

func (w *coreLogWriter) reportDropsLocked() {
	message := "Rate limit exceeded: " + strconv.Itoa(w.dropped) + " lines dropped"
	if w.sink != nil {
		w.sink.Append(corelog.Line{Stream: w.stream, Level: "warning", Message: message})
	}
	log.Printf("[Core] %s", message)

	w.dropped = 0
	w.lastDropReport = time.Now()
}

func truncateLogLine(line string, max int) (string, bool) {
	if max <= 0 {
		return line, false
	}
	runes := []rune(line)
	if len(runes) <= max {
		return line, false
	}

	limit := max - len([]rune(truncatedSuffix))
	if limit < 0 {
		limit = 0
	}
	return string(runes[:limit]) + truncatedSuffix, true
}
