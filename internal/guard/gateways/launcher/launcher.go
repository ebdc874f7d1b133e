package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/haukened/linkguard/internal/guard/common/log"
)

// Error message constants for consistent error handling
const (
	errNoHandlers      = "no URL handlers configured"
	errNoFallback      = "no fallback viewer configured"
	errAllHandlersFail = "all %d handlers failed"
	errHandlerFailed   = "handler %s: %w"
	errHandlerIsSelf   = "handler %s resolves to this program"
	errFallbackFailed  = "fallback viewer %s: %w"
)

// ErrNoHandler is returned when no handler other than ourselves could open a URL.
var ErrNoHandler = errors.New("no usable URL handler")

// Runner starts name with args and returns once the process is running.
type Runner func(ctx context.Context, name string, args ...string) error

// LookPathFunc resolves an executable name to a path.
type LookPathFunc func(name string) (string, error)

// Options configures a Launcher.
type Options struct {
	// Handlers are tried in order; the URL is appended as the last argument.
	Handlers []string
	// Fallback opens URLs for forced opens. It must not hand the URL back to us.
	Fallback string
	// Self lists executables that are this program. Handlers resolving to any
	// of them are skipped. The running executable is always included.
	Self   []string
	Logger log.Logger
	// options to inject for testing purposes
	Run      Runner
	LookPath LookPathFunc
}

// Launcher opens URLs through host-supplied handlers.
type Launcher struct {
	handlers []string
	fallback string
	self     map[string]struct{}
	logger   log.Logger
	run      Runner
	lookPath LookPathFunc
}

// New builds a Launcher.
func New(opts Options) (*Launcher, error) {
	if len(opts.Handlers) == 0 {
		return nil, errors.New(errNoHandlers)
	}
	if opts.Fallback == "" {
		return nil, errors.New(errNoFallback)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Run == nil {
		opts.Run = startDetached
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	l := &Launcher{
		handlers: opts.Handlers,
		fallback: opts.Fallback,
		self:     make(map[string]struct{}),
		logger:   opts.Logger,
		run:      opts.Run,
		lookPath: opts.LookPath,
	}
	if exe, err := os.Executable(); err == nil {
		l.self[realPath(exe)] = struct{}{}
	}
	for _, s := range opts.Self {
		if p, err := l.lookPath(s); err == nil {
			l.self[realPath(p)] = struct{}{}
		}
	}
	return l, nil
}

// OpenExternal opens url with the first handler that is not this program and starts successfully.
func (l *Launcher) OpenExternal(ctx context.Context, url string) error {
	var errs []error
	for _, h := range l.handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := l.lookPath(h)
		if err != nil {
			errs = append(errs, fmt.Errorf(errHandlerFailed, h, err))
			continue
		}
		if l.isSelf(path) {
			l.logger.Warn(map[string]any{"handler": h}, "skipping handler that resolves to this program")
			errs = append(errs, fmt.Errorf(errHandlerIsSelf, h))
			continue
		}
		if err := l.run(ctx, path, url); err != nil {
			errs = append(errs, fmt.Errorf(errHandlerFailed, h, err))
			continue
		}
		l.logger.Debug(map[string]any{"handler": h, "url": url}, "opened url")
		return nil
	}
	return fmt.Errorf("%w: "+errAllHandlersFail+": %w", ErrNoHandler, len(l.handlers), errors.Join(errs...))
}

// OpenFallback opens url in the fallback viewer, never through the normal handlers.
func (l *Launcher) OpenFallback(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.lookPath(l.fallback)
	if err != nil {
		return fmt.Errorf(errFallbackFailed, l.fallback, err)
	}
	if l.isSelf(path) {
		return fmt.Errorf(errHandlerIsSelf, l.fallback)
	}
	if err := l.run(ctx, path, url); err != nil {
		return fmt.Errorf(errFallbackFailed, l.fallback, err)
	}
	l.logger.Info(map[string]any{"viewer": l.fallback, "url": url}, "opened url in fallback viewer")
	return nil
}

func (l *Launcher) isSelf(path string) bool {
	_, ok := l.self[realPath(path)]
	return ok
}

func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if a, err := filepath.Abs(p); err == nil {
		p = a
	}
	return p
}

// startDetached starts the process and reaps it in the background.
// The child is not bound to ctx.
func startDetached(ctx context.Context, name string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
