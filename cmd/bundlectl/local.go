package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/bundleproxy/internal/addrspace"
	"github.com/fruitsalade/bundleproxy/internal/archive"
	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/config"
	"github.com/fruitsalade/bundleproxy/internal/rewrite"
	"github.com/fruitsalade/bundleproxy/internal/storage"
)

func (a *app) resolveCmd() *cobra.Command {
	var backend, entry, prefix string
	cmd := &cobra.Command{
		Use:   "resolve <pointer>",
		Short: "Show the bundle root and entry a pointer names",
		Long: `Resolve a bundle pointer the way the server does.

Examples:
  bundlectl resolve cyan-assets/games/foo/ --prefix cyan-assets/
  bundlectl resolve zips/game.zip --backend archive --entry play.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := resolveRef(backend, args[0], entry, prefix)
			if err != nil {
				return err
			}
			return a.formatter.PrintTable(
				[]string{"ROOT", "ENTRY", "FOLDER"},
				[][]string{{ref.Root, ref.Entry, ref.Folder()}},
			)
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend: tree, mirror or archive")
	cmd.Flags().StringVar(&entry, "entry", "", "entry document relative to the bundle root")
	cmd.Flags().StringVar(&prefix, "prefix", os.Getenv("BUNDLE_PREFIX"), "bundle-root prefix to strip")
	return cmd
}

func resolveRef(backend, pointer, entry, prefix string) (bundle.Ref, error) {
	if backend == bundle.BackendArchive {
		return bundle.ResolveArchive(pointer, entry)
	}
	ref, err := bundle.Resolve(pointer, prefix)
	if err != nil {
		return ref, err
	}
	if rel := bundle.CleanPath(entry); rel != "" {
		ref = ref.WithEntry(rel)
	}
	return ref, nil
}

func (a *app) rewriteCmd() *cobra.Command {
	var backend, baseURL, scope string
	cmd := &cobra.Command{
		Use:   "rewrite <entry-path> [file]",
		Short: "Rewrite an entry document",
		Long: `Rewrite an HTML entry document read from a file or stdin. entry-path is
the backend path the document was fetched from. Without --base-url the
output addresses assets through the proxy.

Examples:
  bundlectl rewrite games/foo/index.html index.html
  curl -s $RAW/games/foo/index.html | bundlectl rewrite games/foo/index.html \
      --base-url https://raw.githubusercontent.com/org/repo/main/`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			doc, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			entry := bundle.CleanPath(args[0])
			if entry == "" {
				return bundle.InvalidPathf("%q is empty", args[0])
			}
			folder := bundle.Ref{Entry: entry}.Folder()

			mode := addrspace.Proxied
			if baseURL != "" {
				mode = addrspace.Direct
			}
			space := addrspace.New(backend, baseURL, mode, nil)

			out := rewrite.Rewrite(string(doc), &rewrite.Context{
				BaseHref: space.ToExternal(folder) + "/",
				Folder:   folder,
				Scope:    scope,
				Map:      space.ToExternal,
			})
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", bundle.BackendTree, "backend the document belongs to")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "absolute backend root URL (direct mode)")
	cmd.Flags().StringVar(&scope, "scope", "", "backend path root-relative references resolve against")
	return cmd
}

// ─── Archives ───────────────────────────────────────────────────────────────

func (a *app) archiveCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and upload zip archives in archive storage",
		Long: `Work with the archive part storage configured for the server
(ARCHIVE_BACKEND, ARCHIVE_ROOT and S3_* variables, .env or CONFIG_FILE).`,
	}
	cmd.PersistentFlags().StringVar(&root, "root", "", "local archive root (overrides ARCHIVE_ROOT)")

	open := func(cmd *cobra.Command) (storage.Backend, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if cfg.ArchiveBackend == "" {
			return nil, fmt.Errorf("archive storage is disabled (ARCHIVE_BACKEND=none)")
		}
		if root != "" {
			cfg.ArchiveRoot = root
		}
		return storage.NewBackendFromConfig(cmd.Context(), cfg.ArchiveBackend, cfg.ArchiveStorageConfig())
	}

	ls := &cobra.Command{
		Use:   "ls <archive-path>",
		Short: "List the members of an archive",
		Long: `List the members of an archive, assembling split volumes.

Examples:
  bundlectl archive ls zips/game.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ar, err := archive.Load(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			entry, _ := ar.FindEntry("")
			rows := make([][]string, 0, len(ar.Members()))
			for _, m := range ar.Members() {
				mark := ""
				if m.Path == entry {
					mark = "*"
				}
				rows = append(rows, []string{m.Path, bundle.KindOf(m.Path).String(), strconv.FormatInt(m.SizeHint, 10), mark})
			}
			return a.formatter.PrintTable([]string{"NAME", "KIND", "SIZE", "ENTRY"}, rows)
		},
	}

	cat := &cobra.Command{
		Use:   "cat <archive-path> <member>",
		Short: "Write one archive member to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ar, err := archive.Load(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			rc, _, err := ar.OpenMember(args[1])
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}

	upload := &cobra.Command{
		Use:   "upload <key> <local-file>",
		Short: "Upload an archive or volume part",
		Long: `Upload a file to archive storage. Split archives are uploaded part by
part under the same directory.

Examples:
  bundlectl archive upload zips/game.zip ./game.zip
  bundlectl archive upload zips/big.z01 ./big.z01`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			key := bundle.CleanPath(args[0])
			if err := store.PutObject(cmd.Context(), key, f, info.Size()); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return a.formatter.PrintKeyValues([][2]string{
				{"key", key},
				{"size", formatBytes(info.Size())},
				{"storage", store.Type()},
			})
		},
	}

	cmd.AddCommand(ls, cat, upload)
	return cmd
}
