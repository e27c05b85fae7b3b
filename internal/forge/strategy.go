package forge

import (
	"context"
	"fmt"
	"io"
)

// BuildRequest carries everything one strategy executor needs to produce a
// library's artifacts into OutputDir (a cache staging directory; the caller
// commits it on success).
type BuildRequest struct {
	Session   *Session
	Mirror    *MirrorClient // nil when no mirror is configured
	Desc      LibraryDescriptor
	OutputDir string
	LogWriter io.Writer // per-library log during parallel stages
}

// buildLibrary dispatches a request to its strategy executor. Every strategy
// either fills OutputDir or returns an error; there is no partial success.
func buildLibrary(ctx context.Context, req BuildRequest) error {
	switch req.Desc.Strategy {
	case StrategySource:
		return buildFromSource(ctx, req)
	case StrategyPrebuilt:
		return fetchPrebuilt(ctx, req)
	case StrategySystem:
		return locateSystem(ctx, req)
	}
	return fmt.Errorf("library %s has unknown strategy %s", req.Desc.Name, req.Desc.Strategy)
}
