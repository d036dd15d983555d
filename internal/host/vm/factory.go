package vm

import "context"

// Launcher starts VM instances for one VMM backend.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (Instance, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	return f(ctx, spec)
}
