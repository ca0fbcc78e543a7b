// Package report formats and surfaces handler and dispatch failures. Every
// fault becomes a structured log record; when a live connection handle is
// available a notification script is additionally pushed for execution on
// the page. Development mode renders the full fault detail, production a
// generic notice with detail only in the log. Report never panics.
package report

import (
	"log/slog"
	"strings"
	"text/template"

	"github.com/pushwire-dev/pushwire/pkg/bridge"
	"github.com/pushwire-dev/pushwire/pkg/protocol"
)

// Mode selects the notification template.
type Mode int

const (
	// Production renders a generic notice on the page; detail stays in logs.
	Production Mode = iota

	// Development renders the full fault detail on the page.
	Development
)

// Fault kinds.
const (
	// KindConfig is a configuration fault: a referenced handler or hook does
	// not exist. Raised before any side effect.
	KindConfig = "config"

	// KindHandler is a fault raised inside a before-hook, handler, or
	// after-hook.
	KindHandler = "handler"

	// KindKilled marks a dispatch that was forcefully cancelled.
	KindKilled = "killed"

	// KindToken is a sender token verification failure.
	KindToken = "token"
)

// Fault describes one failure to surface.
type Fault struct {
	// Kind is one of the Kind* constants.
	Kind string

	// Handler is the handler function name the fault occurred in, if any.
	Handler string

	// Message is the human-readable failure description.
	Message string

	// Stack is the captured stack context, if any.
	Stack []byte
}

const devScript = `(function(){var m="pushwire: {{js .Kind}} fault in {{js .Handler}}: {{js .Message}}";var s="{{js .Stack}}";console.error(m,s);if(window.Pushwire&&Pushwire.notify){Pushwire.notify("error",m+"\n"+s);}})();`

const prodScript = `(function(){var m="Something went wrong. Please try again.";console.error(m);if(window.Pushwire&&Pushwire.notify){Pushwire.notify("error",m);}})();`

var (
	devTmpl  = template.Must(template.New("dev").Parse(devScript))
	prodTmpl = template.Must(template.New("prod").Parse(prodScript))
)

// Reporter surfaces faults. Safe for concurrent use.
type Reporter struct {
	mode   Mode
	logger *slog.Logger
}

// New creates a Reporter. A nil logger falls back to slog.Default().
func New(mode Mode, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{mode: mode, logger: logger.With("component", "report")}
}

// Report logs the fault and, when h is non-nil, pushes a notification script
// for execution on the peer. It never panics and never returns an error: the
// reporter is the last line, there is nowhere further to escalate.
func (r *Reporter) Report(h *bridge.Handle, f Fault) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("failure reporter panicked", "panic", rec)
		}
	}()

	attrs := []any{"kind", f.Kind, "message", f.Message}
	if f.Handler != "" {
		attrs = append(attrs, "handler", f.Handler)
	}
	if len(f.Stack) > 0 {
		attrs = append(attrs, "stack", string(f.Stack))
	}
	r.logger.Error("dispatch fault", attrs...)

	if h == nil {
		return
	}

	script, err := r.render(f)
	if err != nil {
		r.logger.Error("render notification script", "error", err)
		return
	}
	if err := h.Send(protocol.Message{
		Event:   protocol.EventExec,
		Payload: protocol.Payload{"script": script},
	}); err != nil {
		r.logger.Warn("push notification script", "error", err)
	}
}

func (r *Reporter) render(f Fault) (string, error) {
	tmpl := prodTmpl
	data := any(nil)
	if r.mode == Development {
		tmpl = devTmpl
		data = map[string]string{
			"Kind":    f.Kind,
			"Handler": f.Handler,
			"Message": f.Message,
			"Stack":   string(f.Stack),
		}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
