// File: cmd/browse.go
package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
	"github.com/xkilldash9x/scalpel-render/internal/browser/session"
	"github.com/xkilldash9x/scalpel-render/internal/config"
	"github.com/xkilldash9x/scalpel-render/internal/export"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
)

// newLauncher is swapped in tests.
var newLauncher = func(cfg config.BrowserConfig, logger *zap.Logger) session.Launcher {
	return session.NewChromeLauncher(cfg, logger)
}

// newBrowseCmd runs one capture session from the command line, without the
// HTTP layer or the cache.
func newBrowseCmd() *cobra.Command {
	var (
		req        schemas.BrowseRequest
		harOutput  bool
		output     string
		screenshot bool
		fullPage   bool
	)

	browseCmd := &cobra.Command{
		Use:   "browse [url]",
		Short: "Captures a single page and prints the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			target := strings.TrimSpace(args[0])
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				target = "https://" + target
			}

			assembler := session.NewAssembler(cfg, newLauncher(cfg.Browser(), logger), observability.NewMetrics(), logger)

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			if screenshot {
				res, err := assembler.Screenshot(ctx, schemas.ScreenshotRequest{URL: target, FullPage: fullPage})
				if err != nil {
					return fmt.Errorf("screenshot failed: %w", err)
				}
				if output != "" {
					raw, err := base64.StdEncoding.DecodeString(res.Screenshot)
					if err != nil {
						return err
					}
					_, err = out.Write(raw)
					return err
				}
				return writeJSON(out, res)
			}

			req.URL = target
			doc, err := assembler.Browse(ctx, req)
			if err != nil {
				return fmt.Errorf("browse failed: %w", err)
			}
			if doc.Incomplete {
				logger.Warn("Navigation did not complete; the capture is partial.", zap.String("url", target))
			}
			if harOutput {
				return writeJSON(out, export.ToHAR(doc, Version))
			}
			return writeJSON(out, doc)
		},
	}

	f := browseCmd.Flags()
	f.StringVar(&req.Method, "method", "GET", "HTTP method for the top-level navigation (GET or POST).")
	f.StringVar(&req.PostData, "post-data", "", "Request body sent with --method POST.")
	f.StringVar(&req.BrowserName, "browser", "", "Browser to launch. Defaults to the configured browser.")
	f.BoolVar(&req.CookieBanner, "cookiebanner", false, "Try to dismiss cookie consent banners.")
	f.BoolVar(&req.Scroll, "scroll", false, "Scroll to the bottom to trigger lazy loading.")
	f.BoolVar(&harOutput, "har", false, "Print the network log as HAR instead of the full document.")
	f.BoolVar(&screenshot, "screenshot", false, "Only capture a screenshot.")
	f.BoolVar(&fullPage, "full-page", false, "Capture the full scrollable page with --screenshot.")
	f.StringVarP(&output, "output", "o", "", "Write the result to a file instead of stdout. With --screenshot the file holds the raw JPEG.")

	return browseCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
