package main

import (
	"fmt"
	"strings"
	"time"

	"livebridge/internal/executor"
	"livebridge/internal/logger"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// seedNamespace is what the demo host exposes to clients: an app handle,
// a mutable dict for scratch state prefilled from data, and the standard
// Starlark modules.
func seedNamespace(started time.Time, data map[string]any) (starlark.StringDict, error) {
	fields := executor.MustSeed(map[string]any{
		"name":    "livebridge",
		"version": Version,
	})
	fields["started_at"] = starlarktime.Time(started)
	fields["log"] = starlark.NewBuiltin("app.log", appLog)

	scratch := starlark.NewDict(len(data))
	if len(data) > 0 {
		v, err := executor.ToValue(data)
		if err != nil {
			return nil, fmt.Errorf("seed data: %w", err)
		}
		scratch = v.(*starlark.Dict)
	}

	return starlark.StringDict{
		"app":  starlarkstruct.FromStringDict(starlark.String("app"), fields),
		"data": scratch,
		"math": starlarkmath.Module,
		"json": starlarkjson.Module,
		"time": starlarktime.Module,
	}, nil
}

// appLog writes its arguments to the host log.
func appLog(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := starlark.AsString(a); ok {
			parts[i] = s
		} else {
			parts[i] = a.String()
		}
	}
	logger.Info("[%s] %s", thread.Name, strings.Join(parts, " "))
	return starlark.None, nil
}
