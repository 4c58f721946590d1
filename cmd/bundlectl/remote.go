package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/pkg/client"
	"github.com/fruitsalade/bundleproxy/pkg/models"
	"github.com/fruitsalade/bundleproxy/pkg/protocol"
	"github.com/fruitsalade/bundleproxy/pkg/tree"
)

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if a.formatter.Format != FormatTable {
				return a.formatter.Print(h)
			}
			return a.formatter.PrintKeyValues([][2]string{
				{"status", h.Status},
				{"backends", strings.Join(h.Backends, ", ")},
				{"store", h.Store},
				{"generation", strconv.Itoa(h.Generation)},
			})
		},
	}
}

func (a *app) playCmd() *cobra.Command {
	var backend, entry string
	var inline bool
	cmd := &cobra.Command{
		Use:   "play <pointer>",
		Short: "Print the rewritten entry document of a bundle",
		Long: `Cache a bundle on the server and print its rewritten entry document.

Examples:
  bundlectl play games/foo/
  bundlectl play zips/game.zip --backend archive --inline=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inl *bool
			if cmd.Flags().Changed("inline") {
				inl = &inline
			}
			doc, err := a.client().Play(cmd.Context(), backend, args[0], entry, inl)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	cmd.Flags().StringVar(&entry, "entry", "", "entry document relative to the bundle root")
	cmd.Flags().BoolVar(&inline, "inline", false, "force inlining on or off (default: server policy)")
	return cmd
}

func (a *app) assetCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "asset <backend-path>",
		Short: "Fetch one member through the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, _, err := a.client().FetchAsset(cmd.Context(), backend, bundle.CleanPath(args[0]))
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	return cmd
}

func (a *app) membersCmd() *cobra.Command {
	var backend, entry, dir string
	cmd := &cobra.Command{
		Use:   "members <pointer>",
		Short: "Show the member tree of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.client().Members(cmd.Context(), backend, args[0], entry)
			if err != nil {
				return err
			}
			if a.formatter.Format != FormatTable {
				return a.formatter.Print(m)
			}
			root := m.Tree
			if dir != "" {
				if root = tree.FindByPath(m.Tree, "/"+strings.Trim(dir, "/")); root == nil {
					return fmt.Errorf("%s has no member %s", m.Root, dir)
				}
			}
			w := a.formatter.Writer
			fmt.Fprintf(w, "%s (%d members, %s)\n", path.Join(m.Root, root.Path), tree.CountFiles(root), formatBytes(tree.TotalSize(root)))
			tree.Walk(root, func(n *models.FileNode, depth int) {
				if depth == 0 {
					return
				}
				name := n.Name
				switch {
				case n.IsDir:
					name += "/"
				case n.Entry:
					name += " *"
				}
				fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), name)
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	cmd.Flags().StringVar(&entry, "entry", "", "entry document relative to the bundle root")
	cmd.Flags().StringVar(&dir, "path", "", "only show this directory of the bundle")
	return cmd
}

// ─── Cache ──────────────────────────────────────────────────────────────────

func (a *app) printStatus(st *protocol.CacheStatusResponse) error {
	if a.formatter.Format != FormatTable {
		return a.formatter.Print(st)
	}
	pairs := [][2]string{
		{"backend", st.Backend},
		{"root", st.Root},
		{"entry", st.Entry},
		{"status", st.Status},
		{"members", strconv.Itoa(st.Members)},
	}
	if st.Streamed > 0 {
		pairs = append(pairs, [2]string{"streamed", strconv.Itoa(st.Streamed)})
	}
	if st.EntryURL != "" {
		pairs = append(pairs, [2]string{"url", st.EntryURL})
	}
	if st.Error != "" {
		pairs = append(pairs, [2]string{"error", st.Error})
	}
	return a.formatter.PrintKeyValues(pairs)
}

func (a *app) statusCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "status <pointer>",
		Short: "Show the cache state of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().Status(cmd.Context(), backend, args[0])
			if err != nil {
				return err
			}
			return a.printStatus(st)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	return cmd
}

func (a *app) ensureCmd() *cobra.Command {
	var backend, entry string
	cmd := &cobra.Command{
		Use:   "ensure <pointer>",
		Short: "Cache a bundle and wait until it is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().EnsureCached(cmd.Context(), backend, args[0], entry)
			if err != nil {
				return err
			}
			return a.printStatus(st)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	cmd.Flags().StringVar(&entry, "entry", "", "entry document relative to the bundle root")
	return cmd
}

func (a *app) prewarmCmd() *cobra.Command {
	var backend, file, catalogFile string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "prewarm [pointer...]",
		Short: "Cache many bundles",
		Long: `Cache bundles named on the command line, in a file (one pointer per
line) or in a games.json catalog.

Examples:
  bundlectl prewarm games/foo/ games/bar/
  bundlectl prewarm --catalog public/games.json --concurrency 8
  bundlectl prewarm --catalog public/games.json --backend archive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pointers := append([]string(nil), args...)
			if file != "" {
				more, err := readPointers(file)
				if err != nil {
					return err
				}
				pointers = append(pointers, more...)
			}
			if catalogFile != "" {
				more, err := catalogPointers(catalogFile, backend)
				if err != nil {
					return err
				}
				pointers = append(pointers, more...)
			}
			if len(pointers) == 0 {
				return fmt.Errorf("no pointers given")
			}

			var rows [][]string
			failed := 0
			for r := range a.client().Prewarm(cmd.Context(), backend, pointers, concurrency) {
				row := []string{r.Pointer, "", "", ""}
				if r.Err != nil {
					failed++
					row[1] = "failed"
					row[3] = r.Err.Error()
				} else {
					row[1] = r.Status.Status
					row[2] = strconv.Itoa(r.Status.Members)
				}
				rows = append(rows, row)
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
			if err := a.formatter.PrintTable([]string{"POINTER", "STATUS", "MEMBERS", "ERROR"}, rows); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bundles failed", failed, len(pointers))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one pointer per line")
	cmd.Flags().StringVar(&catalogFile, "catalog", "", "games.json catalog to take links from")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "bundles cached at once")
	return cmd
}

func readPointers(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// catalogPointers returns the catalog links served by backend: zip links
// for the archive backend, everything else for the others.
func catalogPointers(name, backend string) ([]string, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var cat models.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", name, err)
	}
	var out []string
	for _, g := range cat.Games {
		isZip := strings.HasSuffix(strings.ToLower(g.Link), ".zip")
		if g.Link != "" && isZip == (backend == bundle.BackendArchive) {
			out = append(out, g.Link)
		}
	}
	return out, nil
}

func (a *app) invalidateCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "invalidate <pointer>...",
		Short: "Drop bundles from the server cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			rows := make([][]string, 0, len(args))
			for _, p := range args {
				if err := c.Invalidate(cmd.Context(), backend, p); err != nil {
					return fmt.Errorf("invalidate %s: %w", p, err)
				}
				rows = append(rows, []string{p, "invalidated"})
			}
			return a.formatter.PrintTable([]string{"POINTER", "RESULT"}, rows)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend")
	return cmd
}

func (a *app) pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove cache entries of other cache versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().Prune(cmd.Context())
			if err != nil {
				return err
			}
			return a.formatter.PrintKeyValues([][2]string{
				{"removed", strconv.Itoa(res.Removed)},
				{"generation", strconv.Itoa(res.Generation)},
			})
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if a.formatter.Format != FormatTable {
				return a.formatter.Print(st)
			}
			pairs := [][2]string{
				{"store", st.Store},
				{"generation", strconv.Itoa(st.Generation)},
				{"entries", strconv.Itoa(st.Entries)},
				{"size", formatBytes(st.Bytes)},
				{"builds", strconv.Itoa(st.Builds)},
				{"waiting", strconv.Itoa(st.Waiting)},
			}
			names := make([]string, 0, len(st.States))
			for k := range st.States {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				pairs = append(pairs, [2]string{"bundles " + k, strconv.Itoa(st.States[k])})
			}
			return a.formatter.PrintKeyValues(pairs)
		},
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (a *app) watchCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream cache events until interrupted",
		Long: `Stream cache and catalog events from the server.

Examples:
  bundlectl watch
  bundlectl watch --type bundle.ready --type bundle.failed -o json
  bundlectl watch --type catalog`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, types, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "event types or namespaces to stream (bundle, catalog.changed, ...)")
	return cmd
}

func (a *app) watch(ctx context.Context, types []string, errOut io.Writer) error {
	events, errs := client.NewSSEClient(a.server, types...).Subscribe(ctx)
	w := a.formatter.Writer
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if a.formatter.Format != FormatTable {
				if err := a.formatter.Print(ev); err != nil {
					return err
				}
				continue
			}
			line := fmt.Sprintf("%s  %-20s %s %s",
				time.Unix(ev.Timestamp, 0).Format(time.TimeOnly), ev.Type, ev.Backend, ev.Root)
			if ev.Members > 0 {
				line += fmt.Sprintf(" (%d members)", ev.Members)
			}
			if ev.Error != "" {
				line += " error: " + ev.Error
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(errOut, "stream interrupted, reconnecting: %v\n", err)
		}
	}
}
