package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"paperhub/internal/errs"
)

// ScriptConverter runs an external command as `<cmd> <in> -o <out>`, e.g.
// compile-document.sh or a pandoc wrapper.
type ScriptConverter struct {
	Command string
	Args    []string
}

func (c ScriptConverter) Convert(ctx context.Context, in, out string) error {
	args := append(append([]string{}, c.Args...), in, "-o", out)
	return run(ctx, c.Command, args...)
}

// MagickExtractor rasterizes a PDF page with ImageMagick.
type MagickExtractor struct {
	Bin string
}

func (e MagickExtractor) Extract(ctx context.Context, pdf string, page int, out string) error {
	bin := e.Bin
	if bin == "" {
		bin = "magick"
	}
	return run(ctx, bin, fmt.Sprintf("%s[%d]", pdf, page), out)
}

// run executes a tool and turns a failure into a ToolchainError carrying the
// tool's stderr.
func run(ctx context.Context, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return &errs.ToolchainError{Tool: name, Diagnostic: "not installed", Err: err}
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		diagnostic := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if diagnostic == "" && errors.As(err, &exitErr) {
			diagnostic = exitErr.String()
		}
		return &errs.ToolchainError{Tool: name, Diagnostic: diagnostic, Err: err}
	}
	return nil
}
