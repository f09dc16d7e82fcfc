package registry

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Builtin handler names.
const (
	HandlerEcho   = "echo"
	HandlerUpper  = "upper"
	HandlerConcat = "concat"
	HandlerSleep  = "sleep"
	HandlerFail   = "fail"
)

type echoParams struct {
	Text string `mapstructure:"text"`
}

type concatParams struct {
	Separator string `mapstructure:"separator"`
}

type sleepParams struct {
	Duration time.Duration `mapstructure:"duration"`
}

type failParams struct {
	Message string `mapstructure:"message"`
}

// joined concatenates every input in port-name order.
func joined(t Task, sep string) []byte {
	ports := make([]string, 0, len(t.Inputs))
	for p := range t.Inputs {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	parts := make([][]byte, len(ports))
	for i, p := range ports {
		parts[i] = t.Inputs[p]
	}
	return bytes.Join(parts, []byte(sep))
}

// Echo emits params.text on "out", or its joined inputs when text is unset.
func Echo(_ context.Context, t Task) (map[string]Output, error) {
	var p echoParams
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	if p.Text != "" {
		return map[string]Output{"out": Text(p.Text)}, nil
	}
	return map[string]Output{"out": Bytes(joined(t, ""))}, nil
}

// Upper emits its joined inputs upper-cased.
func Upper(_ context.Context, t Task) (map[string]Output, error) {
	return map[string]Output{"out": Text(strings.ToUpper(string(joined(t, ""))))}, nil
}

// Concat joins its inputs with params.separator.
func Concat(_ context.Context, t Task) (map[string]Output, error) {
	var p concatParams
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	return map[string]Output{"out": Bytes(joined(t, p.Separator))}, nil
}

// Sleep waits params.duration, then passes its inputs through.
func Sleep(ctx context.Context, t Task) (map[string]Output, error) {
	var p sleepParams
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	timer := time.NewTimer(p.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]Output{"out": Bytes(joined(t, ""))}, nil
}

// Fail always fails with params.message.
func Fail(_ context.Context, t Task) (map[string]Output, error) {
	var p failParams
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = "node failed"
	}
	return nil, errors.New(p.Message)
}

// RegisterBuiltins adds the stock handlers to r.
func RegisterBuiltins(r *Registry) {
	r.RegisterFunc(HandlerEcho, Echo)
	r.RegisterFunc(HandlerUpper, Upper)
	r.RegisterFunc(HandlerConcat, Concat)
	r.RegisterFunc(HandlerSleep, Sleep)
	r.RegisterFunc(HandlerFail, Fail)
}
