package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-dispatch/internal/governance"
	"github.com/polisai/polis-dispatch/pkg/engine"
	"github.com/polisai/polis-dispatch/pkg/engine/filters"
	"github.com/polisai/polis-dispatch/pkg/policy"
)

// NextPlaceholder stands for the downstream result in HandlerConfig.Wrap.
const NextPlaceholder = "{next}"

// BuildProviders compiles the manifest into engine providers with scripted
// handlers producing string results. Rego filters are evaluated on an engine
// built from the manifest's policy modules. Rate limits are shared by the
// handlers of one call.
func (m *Manifest) BuildProviders(ctx context.Context) ([]engine.Provider, error) {
	b := &builder{manifest: m, limiter: governance.NewRateLimiter()}

	providers := make([]engine.Provider, 0, len(m.Providers))
	for _, pc := range m.Providers {
		p := engine.Provider{
			Name:      pc.Name,
			DependsOn: append([]string(nil), pc.DependsOn...),
		}

		fs, err := b.filters(ctx, pc.Filters)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		p.Filters = fs

		for _, hc := range pc.Handlers {
			h, err := b.handler(ctx, pc.Name, hc)
			if err != nil {
				return nil, fmt.Errorf("provider %q handler %q: %w", pc.Name, hc.Name, err)
			}
			p.Handlers = append(p.Handlers, h)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// CompletionFunc returns the terminal step of manifest pipelines.
func (m *Manifest) CompletionFunc() engine.Completion[string] {
	result := m.Completion
	return func(context.Context, engine.Context) (string, error) {
		return result, nil
	}
}

type builder struct {
	manifest *Manifest
	policy   *policy.Engine
	limiter  *governance.RateLimiter
}

func (b *builder) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if b.policy != nil {
		return b.policy, nil
	}
	cfg := b.manifest.Policy
	if len(cfg.Modules) == 0 {
		return nil, errors.New("rego filter declared without policy modules")
	}
	e, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         cfg.Modules,
		CacheMaxEntries: cfg.CacheMaxEntries,
	})
	if err != nil {
		return nil, err
	}
	b.policy = e
	return e, nil
}

func (b *builder) filters(ctx context.Context, configs []FilterConfig) ([]engine.Filter, error) {
	out := make([]engine.Filter, 0, len(configs))
	for i, fc := range configs {
		f, err := b.filter(ctx, fc)
		if err != nil {
			return nil, fmt.Errorf("filter %d (%s): %w", i, fc.Type, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (b *builder) filter(ctx context.Context, fc FilterConfig) (engine.Filter, error) {
	switch fc.Type {
	case "property":
		return filters.CompileProperty(fc.Key, fc.Pattern)
	case "exact":
		axis := fc.Axis
		if axis == "" {
			axis = fc.Key
		}
		return filters.Exact(axis, fc.Key, fc.Values...), nil
	case "method":
		return filters.Method(fc.Values...), nil
	case "content_type":
		return filters.ContentType(fc.Values...), nil
	case "glob":
		return filters.CompileGlob(fc.Key, fc.Values...)
	case "rego":
		e, err := b.policyEngine(ctx)
		if err != nil {
			return nil, err
		}
		return policy.NewRegoFilter(ctx, e, policy.FilterOptions{
			Axis:       fc.Axis,
			Entrypoint: fc.Entrypoint,
			Keys:       fc.Keys,
		})
	default:
		return nil, fmt.Errorf("unknown filter type %q", fc.Type)
	}
}

func (b *builder) handler(ctx context.Context, provider string, hc HandlerConfig) (engine.Handler, error) {
	fs, err := b.filters(ctx, hc.Filters)
	if err != nil {
		return nil, err
	}
	s := newScript(hc)
	if rl := hc.RateLimit; rl != nil {
		s.limiter = b.limiter
		s.limitKey = provider + "." + hc.Name
		s.throttled = rl.Result
		if s.throttled == "" {
			s.throttled = DefaultThrottledResult
		}
		b.limiter.Configure(s.limitKey, governance.Limit{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst})
	}

	switch len(hc.Params) {
	case 0:
		return engine.Handle[string](hc.Name, func(ctx context.Context, pc engine.Context, next engine.Next[string]) (string, error) {
			return s.run(ctx, pc, next.Invoke)
		}, fs...), nil
	case 1:
		return engine.Handle1[string, any](hc.Name, hc.Params[0], func(ctx context.Context, _ any, pc engine.Context, next engine.Next1[string, any]) (string, error) {
			return s.run(ctx, pc, func(ctx context.Context) (string, error) {
				if s.overrides() {
					return next.InvokeWith(ctx, s.with[0])
				}
				return next.Invoke(ctx)
			})
		}, fs...), nil
	case 2:
		return engine.Handle2[string, any, any](hc.Name, hc.Params[0], hc.Params[1], func(ctx context.Context, _, _ any, pc engine.Context, next engine.Next2[string, any, any]) (string, error) {
			return s.run(ctx, pc, func(ctx context.Context) (string, error) {
				if s.overrides() {
					return next.InvokeWith(ctx, s.with[0], s.with[1])
				}
				return next.Invoke(ctx)
			})
		}, fs...), nil
	case 3:
		return engine.Handle3[string, any, any, any](hc.Name, hc.Params[0], hc.Params[1], hc.Params[2], func(ctx context.Context, _, _, _ any, pc engine.Context, next engine.Next3[string, any, any, any]) (string, error) {
			return s.run(ctx, pc, func(ctx context.Context) (string, error) {
				if s.overrides() {
					return next.InvokeWith(ctx, s.with[0], s.with[1], s.with[2])
				}
				return next.Invoke(ctx)
			})
		}, fs...), nil
	default:
		return nil, fmt.Errorf("%d parameters, at most 3 are supported", len(hc.Params))
	}
}

// script is the behaviour of a manifest handler.
type script struct {
	setKeys []string
	set     map[string]any
	forward bool
	with    []any
	result  string
	wrap    string
	err     string

	limiter   *governance.RateLimiter
	limitKey  string
	throttled string
}

func newScript(hc HandlerConfig) *script {
	keys := make([]string, 0, len(hc.Set))
	for k := range hc.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &script{
		setKeys: keys,
		set:     hc.Set,
		forward: hc.Forwards(),
		with:    hc.With,
		result:  hc.Result,
		wrap:    hc.Wrap,
		err:     hc.Error,
	}
}

func (s *script) overrides() bool { return len(s.with) > 0 }

func (s *script) run(ctx context.Context, pc engine.Context, forward func(context.Context) (string, error)) (string, error) {
	if s.limiter != nil && !s.limiter.Allow(s.limitKey) {
		return s.throttled, nil
	}
	for _, k := range s.setKeys {
		pc.Set(k, s.set[k])
	}
	if s.err != "" {
		return "", errors.New(s.err)
	}
	if !s.forward {
		return s.result, nil
	}

	out, err := forward(ctx)
	if err != nil {
		return "", err
	}
	if s.wrap != "" {
		out = strings.ReplaceAll(s.wrap, NextPlaceholder, out)
	}
	return out, nil
}
