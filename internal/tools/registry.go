package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrUnknownTool      = errors.New("tools: unknown tool")
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_agent",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chat_agent",
			Subsystem: "tools",
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)

var tracer = otel.Tracer("contoso.com/enterprise-chat-agent/internal/tools")

// Func runs a tool over loosely typed arguments, as they arrive from a planner or
// from JSON.
type Func func(ctx context.Context, args map[string]any) (any, error)

type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
	Invoke      Func               `json:"-"`
}

// GenerateSchema derives the JSON schema of a tool input struct.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// NewTool adapts a typed function into a Tool. Arguments are decoded into In
// following its json tags.
func NewTool[In any, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: GenerateSchema[In](),
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			var in In
			if err := decodeArguments(args, &in); err != nil {
				return nil, errors.Wrapf(ErrInvalidArguments, "%s: %v", name, err)
			}
			return fn(ctx, in)
		},
	}
}

func decodeArguments(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(args)
}

type Registry struct {
	tools  map[string]Tool
	names  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Invoke == nil {
		return errors.Errorf("tool %s has no invoke function", t.Name)
	}
	if _, ok := r.tools[t.Name]; ok {
		return errors.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.names = append(r.names, t.Name)
	return nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Definitions lists the registered tools in registration order.
func (r *Registry) Definitions() []Tool {
	defs := make([]Tool, 0, len(r.names))
	for _, name := range r.names {
		defs = append(defs, r.tools[name])
	}
	return defs
}

func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTool, "%q", name)
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "execute_tool")
	span.SetAttributes(attribute.String("tool.name", name))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		invocationsTotal.WithLabelValues(name, outcome).Inc()
		invocationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	r.logger.Debug("invoking tool", "tool", name, "args", args)
	result, err = t.Invoke(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return nil, err
	}
	return result, nil
}
