package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

const (
	sectionRuns  = "runs"
	sectionStore = "store"
)

var backupFlags struct {
	file      string
	overwrite bool
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Archive the runs root and a snapshot of the store into a .tar.zst file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(backupFlags.file)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the runs root and the store from a backup archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(backupFlags.file, backupFlags.overwrite)
	},
}

func init() {
	for _, c := range []*cobra.Command{backupCmd, restoreCmd} {
		c.Flags().StringVarP(&backupFlags.file, "file", "f", "", "archive path (.tar.zst)")
		_ = c.MarkFlagRequired("file")
	}
	restoreCmd.Flags().BoolVar(&backupFlags.overwrite, "overwrite", false, "replace files that already exist")
}

func runBackup(outputPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// VACUUM INTO gives a consistent copy while the database may be in use.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	snapDir, err := os.MkdirTemp("", "crew-backup-")
	if err != nil {
		db.Close()
		return err
	}
	defer os.RemoveAll(snapDir)
	snapshot := filepath.Join(snapDir, filepath.Base(cfg.Store.Path))
	_, err = db.DB().Exec(`VACUUM INTO ?`, snapshot)
	db.Close()
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}

	n, err := writeArchive(outputPath, map[string]string{
		sectionRuns:  cfg.Executor.RunsRoot,
		sectionStore: snapDir,
	})
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", n, formatSize(size))
	return nil
}

func runRestore(inputPath string, overwrite bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := extractArchive(inputPath, map[string]string{
		sectionRuns:  cfg.Executor.RunsRoot,
		sectionStore: filepath.Dir(cfg.Store.Path),
	}, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", n)
	return nil
}

// writeArchive stores each section's directory tree under the section name.
// Lock files and temp files are left out.
func writeArchive(outputPath string, sections map[string]string) (int, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, name := range []string{sectionRuns, sectionStore} {
		root, ok := sections[name]
		if !ok {
			continue
		}
		slog.Info("archiving", "section", name, "dir", root)
		n, err := addTree(tw, name, root)
		if err != nil {
			return count, fmt.Errorf("archive %s: %w", name, err)
		}
		count += n
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return count, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

func addTree(tw *tar.Writer, prefix, root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if skipEntry(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("write tar data: %w", err)
		}
		count++
		return nil
	})
	return count, err
}

func skipEntry(name string) bool {
	return name == ".lock" || strings.HasPrefix(name, ".tmp-")
}

func extractArchive(inputPath string, targets map[string]string, overwrite bool) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("read tar entry: %w", err)
		}

		section, rel := splitEntry(hdr.Name)
		root, ok := targets[section]
		if !ok {
			continue
		}
		dst := filepath.Join(root, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if !overwrite {
				if _, err := os.Stat(dst); err == nil {
					return count, fmt.Errorf("%s already exists, add --overwrite to replace files", dst)
				}
			}
			if err := writeEntry(dst, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func writeEntry(dst string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// splitEntry splits "runs/r1/run.json" into ("runs", "r1/run.json").
// Entries outside a known section or escaping it return an empty section.
func splitEntry(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}
	section, rel, _ = strings.Cut(name, "/")
	if section != sectionRuns && section != sectionStore {
		return "", ""
	}
	rel = path.Clean("/" + rel)[1:]
	if rel == "" {
		rel = "."
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
