package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
)

// ReportFD is the descriptor the child writes reports to.
const ReportFD = 3

// Report is one error raised inside the engine. Fatal reports precede a
// non-zero exit.
type Report struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// Reporter writes Reports as newline-delimited JSON. It is safe for
// concurrent use.
type Reporter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *zap.Logger
}

// NewReporter writes to w; a nil w only logs.
func NewReporter(w io.Writer, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger}
	if w != nil {
		r.enc = json.NewEncoder(w)
	}
	return r
}

// Error reports a message without a traceback.
func (r *Reporter) Error(message string) {
	r.send(Report{Message: message})
}

// Exception reports err with its stack trace.
func (r *Reporter) Exception(err error, fatal bool) {
	if err == nil {
		return
	}
	r.send(Report{Message: err.Error(), Traceback: errlog.Traceback(err), Fatal: fatal})
}

func (r *Reporter) send(rep Report) {
	r.logger.Warn("engine error", zap.String("message", rep.Message), zap.Bool("fatal", rep.Fatal))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return
	}
	if err := r.enc.Encode(rep); err != nil {
		r.logger.Error("write report failed", zap.Error(err))
	}
}

// ReadReports calls fn for each report read from rd until EOF. A line that
// is not a report is passed through as its raw text.
func ReadReports(rd io.Reader, fn func(Report) error) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rep Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			rep = Report{Message: fmt.Sprintf("unparseable engine report: %s", raw)}
		}
		if err := fn(rep); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read reports: %w", err)
	}
	return nil
}
