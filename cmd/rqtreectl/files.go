package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mfrisbey/rqtree/internal/pathkey"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List the overlay view of a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-dest]",
		Short: "Open a file through the overlay, materializing it locally if needed",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-source> <overlay-path>",
		Short: "Create or overwrite a file in the overlay, queuing it for sync",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or directory, queuing a remote DELETE",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive directory deletion")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old-path> <new-path>",
		Short: "Rename/move a path, coalescing queued operations",
		Args:  cobra.ExactArgs(2),
		RunE:  runMv,
	}
}

func cleanPath(p string) string {
	p = strings.TrimSuffix(p, pathkey.Separator)
	if p == "" {
		return pathkey.Separator
	}

	if !strings.HasPrefix(p, pathkey.Separator) {
		return pathkey.Separator + p
	}

	return p
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	parent := pathkey.Separator
	if len(args) == 1 {
		parent = cleanPath(args[0])
	}

	entries, err := cc.Tree.List(cmd.Context(), parent)
	if err != nil {
		return fmt.Errorf("listing %s: %w", parent, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	for _, e := range entries {
		kind := "FILE"
		if e.IsDirectory {
			kind = "DIR "
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s  %8s  %-8s  %s\n", kind, humanize.Bytes(uint64(e.Size)), e.Origin, e.Path)
	}

	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	remotePath := cleanPath(args[0])

	h, err := cc.Tree.Open(cmd.Context(), remotePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", remotePath, err)
	}
	defer h.Close()

	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[1], err)
		}
		defer f.Close()

		if _, err := io.Copy(f, h); err != nil {
			return fmt.Errorf("writing %s: %w", args[1], err)
		}

		return nil
	}

	_, err = io.Copy(cmd.OutOrStdout(), h)
	return err
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	localSrc := args[0]
	overlayPath := cleanPath(args[1])

	f, err := os.Open(localSrc)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localSrc, err)
	}
	defer f.Close()

	if err := cc.Tree.CreateFile(cmd.Context(), overlayPath, f); err != nil {
		return fmt.Errorf("creating %s: %w", overlayPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "queued %s for sync\n", overlayPath)

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	path := cleanPath(args[0])
	recursive, _ := cmd.Flags().GetBool("recursive")

	if !cc.Tree.Exists(cmd.Context(), path) {
		return fmt.Errorf("rm: %s does not exist", path)
	}

	var err error
	if recursive {
		err = cc.Tree.DeleteDirectory(cmd.Context(), path)
	} else {
		err = cc.Tree.Delete(cmd.Context(), path)
	}

	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	path := cleanPath(args[0])

	if err := cc.Tree.CreateDirectory(cmd.Context(), path); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}

	return nil
}

func runMv(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	defer cc.Share.Close()

	oldPath := cleanPath(args[0])
	newPath := cleanPath(args[1])

	if err := cc.Tree.Rename(cmd.Context(), oldPath, newPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}
