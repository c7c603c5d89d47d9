// Package populator fills a mounted image with content: channels imported by
// the kolibri CLI, and extra files copied into the image root.
package populator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kolibri-offline/imagebuilder/pkg/diskimage"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"github.com/kolibri-offline/imagebuilder/pkg/executil"
)

const (
	DefaultKolibriBin = "kolibri"
	DefaultSource     = "https://studio.learningequality.org/"
)

// Importer runs `kolibri manage importchannel` and `importcontent` for each
// selection, with KOLIBRI_HOME pointed inside the mounted image.
//
// With a content cache, network selections are first imported into a
// kolibri home under the cache directory and then imported into the image
// from the cache with the disk method, so later builds only download what
// the cache is missing.
type Importer struct {
	run      executil.Runner
	bin      string
	source   string
	cacheDir string

	// kolibri keeps its state in sqlite under the cache home
	cacheMu sync.Mutex
}

// ImporterOption configures an Importer
type ImporterOption func(*Importer)

func WithRunner(r executil.Runner) ImporterOption {
	return func(i *Importer) { i.run = r }
}

// WithKolibriBin sets the kolibri executable
func WithKolibriBin(bin string) ImporterOption {
	return func(i *Importer) {
		if bin != "" {
			i.bin = bin
		}
	}
}

// WithDefaultSource sets the source used by selections that name none
func WithDefaultSource(src string) ImporterOption {
	return func(i *Importer) {
		if src != "" {
			i.source = src
		}
	}
}

// WithContentCache enables the two phase import through dir
func WithContentCache(dir string) ImporterOption {
	return func(i *Importer) { i.cacheDir = dir }
}

func NewImporter(opts ...ImporterOption) *Importer {
	i := &Importer{
		run:    executil.Default,
		bin:    DefaultKolibriBin,
		source: DefaultSource,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ResolveMethod picks the import method for a source: http(s) URLs are
// imported over the network, anything else is a local path.
func ResolveMethod(source string) diskimage.ImportMethod {
	if strings.HasPrefix(source, "http") {
		return diskimage.MethodNetwork
	}
	return diskimage.MethodDisk
}

func sourceArgs(method diskimage.ImportMethod, source string) []string {
	if method == diskimage.MethodNetwork {
		return []string{"--baseurl", source}
	}
	return []string{source}
}

// CacheHome is the kolibri home used for the cache phase
func (i *Importer) CacheHome() string {
	return filepath.Join(i.cacheDir, "home")
}

// CacheExportDir holds the cached content tree; it is the disk source of the
// second phase.
func (i *Importer) CacheExportDir() string {
	return filepath.Join(i.cacheDir, "export")
}

// Commands returns the kolibri invocations for one selection, in order:
// importchannel and importcontent into the cache when the cache applies, then
// importchannel and importcontent into the image.
func (i *Importer) Commands(req diskimage.PopulateRequest) []executil.Command {
	sel := req.Selection
	source := sel.Source
	if source == "" {
		source = i.source
	}
	method := sel.Method
	if method == "" {
		method = ResolveMethod(source)
	}

	imageEnv := []string{
		"KOLIBRI_HOME=" + req.ContentHome,
		"KOLIBRI_RUN_MODE=" + req.RunMode,
	}

	if i.cacheDir == "" || method != diskimage.MethodNetwork {
		return i.importPair(sel, method, source, imageEnv)
	}

	cacheEnv := []string{
		"KOLIBRI_HOME=" + i.CacheHome(),
		"KOLIBRI_CONTENT_DIR=" + filepath.Join(i.CacheExportDir(), "content"),
		"KOLIBRI_RUN_MODE=" + req.RunMode,
	}
	cmds := i.importPair(sel, method, source, cacheEnv)
	return append(cmds, i.importPair(sel, diskimage.MethodDisk, i.CacheExportDir(), imageEnv)...)
}

func (i *Importer) importPair(sel diskimage.ContentSelection, method diskimage.ImportMethod, source string, env []string) []executil.Command {
	extra := sourceArgs(method, source)

	channelArgs := append([]string{"manage", "importchannel", string(method), sel.ChannelID}, extra...)

	contentArgs := []string{"manage", "importcontent"}
	if len(sel.IncludeNodeIDs) > 0 {
		contentArgs = append(contentArgs, "--node_ids", strings.Join(sel.IncludeNodeIDs, ","))
	}
	if len(sel.ExcludeNodeIDs) > 0 {
		contentArgs = append(contentArgs, "--exclude_node_ids", strings.Join(sel.ExcludeNodeIDs, ","))
	}
	contentArgs = append(contentArgs, string(method), sel.ChannelID)
	contentArgs = append(contentArgs, extra...)

	return []executil.Command{
		{Name: i.bin, Args: channelArgs, Env: env, Stdin: "y\n"},
		{Name: i.bin, Args: contentArgs, Env: env, Stdin: "y\n"},
	}
}

func (i *Importer) Populate(ctx context.Context, req diskimage.PopulateRequest) error {
	if req.Selection.ChannelID == "" {
		return fmt.Errorf("%w: empty channel id", diskimage.ErrContentImport)
	}

	cmds := i.Commands(req)
	if len(cmds) == 4 {
		if err := i.fillCache(ctx, req, cmds[:2]); err != nil {
			return err
		}
		cmds = cmds[2:]
	}
	return i.runPair(ctx, req, cmds, "")
}

func (i *Importer) fillCache(ctx context.Context, req diskimage.PopulateRequest, cmds []executil.Command) error {
	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()

	slog.Info("kolibri_cache_fill", "channel_id", req.Selection.ChannelID, "cache_home", i.CacheHome())
	return i.runPair(ctx, req, cmds, "cache ")
}

func (i *Importer) runPair(ctx context.Context, req diskimage.PopulateRequest, cmds []executil.Command, phase string) error {
	for _, cmd := range cmds {
		step := cmd.Args[1]
		slog.Info("kolibri_"+step, "channel_id", req.Selection.ChannelID, "kolibri_home", strings.TrimPrefix(cmd.Env[0], "KOLIBRI_HOME="))

		if _, err := i.run.Run(ctx, cmd); err != nil {
			var cmdErr *executil.CommandError
			if errors.As(err, &cmdErr) && cmdErr.Stderr != "" {
				slog.Error("kolibri_"+step+"_failed", "channel_id", req.Selection.ChannelID, "stderr", cmdErr.Stderr)
			}
			return errors.Wrap(err, phase+step+" failed")
		}
	}
	return nil
}
