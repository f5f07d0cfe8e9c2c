package evaluation

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"go.uber.org/zap"

	"github.com/mutagen-io/quarry/pkg/graph"
)

// EventSink receives evaluation progress events. Implementations must be safe
// for concurrent use; the engine invokes them from worker goroutines. Sinks
// must not call back into the evaluation.
type EventSink interface {
	// NodeEvaluating indicates that a function invocation is starting for a
	// key.
	NodeEvaluating(key graph.Key)
	// NodeRestarted indicates that a function is being re-invoked after
	// missing dependencies completed.
	NodeRestarted(key graph.Key)
	// NodeEvaluated indicates that a node completed, possibly with a typed
	// error.
	NodeEvaluated(key graph.Key, err *graph.Error)
	// CycleDetected indicates that a dependency cycle was found. The path
	// starts and ends at the same key.
	CycleDetected(cycle []graph.Key)
}

// nopSink is an EventSink that discards all events.
type nopSink struct{}

// NodeEvaluating implements EventSink.NodeEvaluating.
func (nopSink) NodeEvaluating(_ graph.Key) {}

// NodeRestarted implements EventSink.NodeRestarted.
func (nopSink) NodeRestarted(_ graph.Key) {}

// NodeEvaluated implements EventSink.NodeEvaluated.
func (nopSink) NodeEvaluated(_ graph.Key, _ *graph.Error) {}

// CycleDetected implements EventSink.CycleDetected.
func (nopSink) CycleDetected(_ []graph.Key) {}

// NopSink is an EventSink that discards all events.
var NopSink EventSink = nopSink{}

// ConsoleSink is an EventSink that renders errors and cycles to a console
// writer, coloring output when the writer supports it. Successful node
// completions are not rendered; they are far too numerous to be useful.
type ConsoleSink struct {
	// writer is the output writer.
	writer io.Writer
}

// NewConsoleSink creates a console sink writing to the specified writer.
func NewConsoleSink(writer io.Writer) *ConsoleSink {
	return &ConsoleSink{writer: writer}
}

// NodeEvaluating implements EventSink.NodeEvaluating.
func (s *ConsoleSink) NodeEvaluating(_ graph.Key) {}

// NodeRestarted implements EventSink.NodeRestarted.
func (s *ConsoleSink) NodeRestarted(_ graph.Key) {}

// NodeEvaluated implements EventSink.NodeEvaluated.
func (s *ConsoleSink) NodeEvaluated(key graph.Key, err *graph.Error) {
	if err == nil || err.Kind == graph.ErrorKindCancelled {
		return
	}
	fmt.Fprintf(s.writer, "%s %s: %v\n", color.RedString("ERROR"), key, err)
}

// CycleDetected implements EventSink.CycleDetected.
func (s *ConsoleSink) CycleDetected(cycle []graph.Key) {
	names := make([]string, 0, len(cycle))
	for _, key := range cycle {
		names = append(names, key.String())
	}
	fmt.Fprintf(s.writer, "%s dependency cycle:\n", color.YellowString("WARNING"))
	for _, name := range names {
		fmt.Fprintf(s.writer, "  %s\n", name)
	}
}

// LoggingSink is an EventSink that records events to a logger at debug level
// (progress) and warn level (errors and cycles).
type LoggingSink struct {
	// logger is the underlying logger.
	logger *zap.Logger
}

// NewLoggingSink creates a logging sink. A nil logger is replaced with a
// no-op logger.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger}
}

// NodeEvaluating implements EventSink.NodeEvaluating.
func (s *LoggingSink) NodeEvaluating(key graph.Key) {
	s.logger.Debug("evaluating", zap.Stringer("key", key))
}

// NodeRestarted implements EventSink.NodeRestarted.
func (s *LoggingSink) NodeRestarted(key graph.Key) {
	s.logger.Debug("restarted", zap.Stringer("key", key))
}

// NodeEvaluated implements EventSink.NodeEvaluated.
func (s *LoggingSink) NodeEvaluated(key graph.Key, err *graph.Error) {
	if err != nil {
		s.logger.Warn("evaluation failed", zap.Stringer("key", key), zap.Error(err))
	} else {
		s.logger.Debug("evaluated", zap.Stringer("key", key))
	}
}

// CycleDetected implements EventSink.CycleDetected.
func (s *LoggingSink) CycleDetected(cycle []graph.Key) {
	names := make([]string, 0, len(cycle))
	for _, key := range cycle {
		names = append(names, key.String())
	}
	s.logger.Warn("dependency cycle detected", zap.Strings("cycle", names))
}
