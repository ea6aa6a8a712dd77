package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaspardpetit/mcprelay/internal/registry"
)

// Transport kinds understood by Mux.
const (
	KindProcess = "process"
	KindHTTP    = "http"
)

// KindOf resolves the executor kind for md. An explicit transport wins;
// otherwise a url selects http.
func KindOf(md registry.Metadata) (string, error) {
	switch strings.ToLower(md.Transport) {
	case "":
		if md.URL != "" {
			return KindHTTP, nil
		}
		return KindProcess, nil
	case KindProcess, "stdio", "subprocess":
		return KindProcess, nil
	case KindHTTP, "streamable-http", "https":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("%w: unknown transport %q", ErrNotRunnable, md.Transport)
	}
}

// Mux routes each invocation to the executor matching its metadata.
type Mux struct {
	Process Executor
	HTTP    Executor
}

func (m *Mux) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	kind, err := KindOf(inv.Metadata)
	if err != nil {
		return Result{}, err
	}
	var ex Executor
	switch kind {
	case KindHTTP:
		ex = m.HTTP
	default:
		ex = m.Process
	}
	if ex == nil {
		return Result{}, fmt.Errorf("%w: %s executor disabled", ErrNotRunnable, kind)
	}
	return ex.Invoke(ctx, inv)
}
