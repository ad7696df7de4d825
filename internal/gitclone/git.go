// Package gitclone shallow-clones repositories with the git binary.
package gitclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plugin-crawler/internal/crawler"
)

const maxStderr = 2048

// Git implements crawler.Cloner by running `git clone --depth 1`.
type Git struct {
	binary string
	logger *zap.Logger
}

// New returns a Git cloner. binary defaults to "git" on PATH.
func New(binary string, logger *zap.Logger) *Git {
	if binary == "" {
		binary = "git"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{binary: binary, logger: logger}
}

// ValidateURL accepts only https URLs without embedded credentials. Anything
// else could be read by git as an option, a local path, or an unexpected
// transport.
func ValidateURL(raw string) error {
	if strings.HasPrefix(raw, "-") {
		return fmt.Errorf("clone url %q looks like an option", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid clone url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("unsupported clone url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("clone url missing host")
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return errors.New("clone url must not embed a password")
	}
	return nil
}

// ShallowClone clones url into dest, which must be empty or absent. The git
// process is killed once timeout elapses and ErrCloneTimeout is returned.
func (g *Git) ShallowClone(ctx context.Context, rawURL, dest string, timeout time.Duration) error {
	if err := ValidateURL(rawURL); err != nil {
		return err
	}
	cloneCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// #nosec G204 -- url is validated above and passed after "--".
	cmd := exec.CommandContext(cloneCtx, g.binary,
		"clone", "--depth", "1", "--single-branch", "--no-tags", "--quiet", "--", rawURL, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_LFS_SKIP_SMUDGE=1", "GIT_ALLOW_PROTOCOL=https")
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxStderr}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		g.logger.Debug("clone finished", zap.String("url", rawURL), zap.Duration("elapsed", elapsed))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("clone %s: %w", rawURL, ctxErr)
	}
	if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("clone %s after %s: %w", rawURL, timeout, crawler.ErrCloneTimeout)
	}
	return fmt.Errorf("clone %s: %w: %s", rawURL, err, strings.TrimSpace(stderr.String()))
}

type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
