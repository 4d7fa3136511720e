package eventbus

import (
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/coachpo/aarbus/errs"
	"github.com/coachpo/aarbus/internal/domain/schema"
)

// NewScriptFilter compiles a JavaScript boolean expression evaluated against a global
// `event` object ({id, type, source, metadata, payload}). Evaluation errors and
// non-boolean results let the event through.
//
//	event.payload.level !== "debug"
func NewScriptFilter(src string, logger Logger) (Filter, error) {
	expr := strings.TrimSpace(src)
	if expr == "" {
		return nil, errs.New("eventbus/script-filter", errs.CodeInvalid, errs.WithMessage("expression required"))
	}
	program, err := goja.Compile("filter.js", "("+expr+")", true)
	if err != nil {
		return nil, errs.New("eventbus/script-filter", errs.CodeInvalid,
			errs.WithMessage("compile expression"),
			errs.WithField("expression", expr),
			errs.WithCause(err))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	var mu sync.Mutex

	return func(evt *schema.Event) bool {
		mu.Lock()
		defer mu.Unlock()

		if err := rt.Set("event", scriptView(evt)); err != nil {
			logger.Warn("script filter setup failed", zap.String("expression", expr), zap.Error(err))
			return true
		}
		value, err := rt.RunProgram(program)
		if err != nil {
			logger.Warn("script filter failed, passing event",
				zap.String("expression", expr),
				zap.String("event_type", string(evt.Type())),
				zap.Error(err))
			return true
		}
		pass, ok := value.Export().(bool)
		if !ok {
			logger.Warn("script filter returned non-boolean, passing event",
				zap.String("expression", expr),
				zap.String("result", value.String()))
			return true
		}
		return pass
	}, nil
}

func scriptView(evt *schema.Event) map[string]any {
	return map[string]any{
		"id":       evt.ID(),
		"type":     string(evt.Type()),
		"source":   evt.Source(),
		"metadata": evt.Metadata(),
		"payload":  evt.Payload(),
	}
}
