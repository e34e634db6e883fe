/*
This file is part of btrsync.

Btrsync is free software: you can redistribute it and/or modify it under the terms of the
GNU Lesser General Public License as published by the Free Software Foundation, either
version 3 of the License, or (at your option) any later version.

Btrsync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
See the GNU Lesser General Public License for more details.

You should have received a copy of the GNU Lesser General Public License along with btrsync.
If not, see <https://www.gnu.org/licenses/>.
*/

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/btrplex/btrsync/pkg/btrsync"
	"github.com/btrplex/btrsync/pkg/cowroot"
	"github.com/btrplex/btrsync/pkg/cowtree"
	"github.com/btrplex/btrsync/pkg/transfer"
)

var (
	runFlatten bool
)

// NewRunCommand builds the "run" subcommand: list both endpoints, plan a
// transfer between them, and execute it.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] <source> <destination>",
		Short: "Replicate read-only subvolumes from source to destination",
		Args:  cobra.ExactArgs(2),
		RunE:  run,
	}

	cmd.Flags().BoolVar(&conf.IncrementalOnly, "incremental-only", conf.IncrementalOnly, "skip subvolumes with no eligible parent at the destination")
	cmd.Flags().BoolVar(&conf.Sudo, "sudo", conf.Sudo, "wrap local btrfs commands with sudo -n")
	cmd.Flags().StringVar(&conf.SSHUser, "ssh-user", conf.SSHUser, "user for ssh-backed locations")
	cmd.Flags().StringVar(&conf.SSHKeyIdentityFile, "ssh-key", conf.SSHKeyIdentityFile, "identity file for ssh-backed locations")
	cmd.Flags().IntVar(&conf.SSHPort, "ssh-port", conf.SSHPort, "port for ssh-backed locations")
	cmd.Flags().BoolVar(&conf.DumpCompression, "dump-compress", conf.DumpCompression, "zstd-compress dump://-backed destinations")
	cmd.Flags().IntVar(&conf.Concurrency, "concurrency", conf.Concurrency, "how many roots to list concurrently while planning")
	cmd.Flags().BoolVar(&runFlatten, "flatten", false, "place every transferred subvolume directly under the destination root")

	v.BindPFlag("incremental_only", cmd.Flags().Lookup("incremental-only"))
	v.BindPFlag("sudo", cmd.Flags().Lookup("sudo"))
	v.BindPFlag("ssh_user", cmd.Flags().Lookup("ssh-user"))
	v.BindPFlag("ssh_key_identity_file", cmd.Flags().Lookup("ssh-key"))
	v.BindPFlag("ssh_port", cmd.Flags().Lookup("ssh-port"))
	v.BindPFlag("dump_compression", cmd.Flags().Lookup("dump-compress"))
	v.BindPFlag("concurrency", cmd.Flags().Lookup("concurrency"))

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srcLoc, err := parseSourceLocation(args[0], conf)
	if err != nil {
		return &exitCodeError{err: err, code: 2}
	}
	dstLoc, err := parseDestLocation(args[1], conf)
	if err != nil {
		return &exitCodeError{err: err, code: 2}
	}

	if lr, ok := dstLoc.Root.(*cowroot.LocalRoot); ok {
		if err := os.MkdirAll(lr.Mount, 0o755); err != nil {
			return &exitCodeError{err: fmt.Errorf("creating destination root: %w", err), code: 2}
		}
	}

	roots := []cowroot.Root{srcLoc.Root}
	needDst := dstLoc.Root.Capabilities().NeedsListForPlanning
	if needDst {
		roots = append(roots, dstLoc.Root)
	}
	listed, err := btrsync.ListRoots(ctx, roots, conf.Concurrency, logger, conf.Verbosity)
	if err != nil {
		return &exitCodeError{err: fmt.Errorf("listing subvolumes: %w", err), code: 2}
	}

	srcTree, err := buildTree(listed[0])
	if err != nil {
		return &exitCodeError{err: fmt.Errorf("building source tree: %w", err), code: 2}
	}
	var dstTree *cowtree.COWTree
	if needDst {
		dstTree, err = buildTree(listed[1])
	} else {
		dstTree, err = buildTree(nil)
	}
	if err != nil {
		return &exitCodeError{err: fmt.Errorf("building destination tree: %w", err), code: 2}
	}

	layout := transfer.PreserveLayout
	if runFlatten {
		layout = transfer.FlattenLayout
	}
	plans, skips := transfer.Plan(srcTree, dstTree, srcTree.IterEligible(), transfer.Options{
		IncrementalOnly: conf.IncrementalOnly,
		Layout:          layout,
	})
	resolveDstPaths(plans, dstLoc.Path, dstLoc.Root)

	logLevel(0, "Planned %d transfer(s), %d skipped", len(plans), len(skips))

	bs := btrsync.New(srcLoc.Root, dstLoc.Root,
		btrsync.WithShutdownGrace(time.Duration(conf.ShutdownGrace)),
		btrsync.WithLogger(logger, conf.Verbosity),
		btrsync.WithProgress(func(p *transfer.Plan, n int64) {
			logLevel(2, "%s: %d bytes", p.Src.Path, n)
		}),
	)

	result := bs.Run(ctx, plans, skips)
	if needDst {
		result.Prunable = btrsync.Prune(srcTree, dstTree)
	}
	printResult(result)

	if err := resultError(result); err != nil {
		return &exitCodeError{err: err, code: result.ExitCode()}
	}
	return nil
}

// buildTree inserts vols into a fresh COWTree and builds it. A nil/empty
// vols is valid: it represents a destination that cannot be listed ahead of
// time (NeedsListForPlanning false), yielding an empty tree.
func buildTree(vols []*cowtree.Vol) (*cowtree.COWTree, error) {
	tree := cowtree.New()
	for _, vol := range vols {
		if err := tree.Insert(vol); err != nil {
			return nil, err
		}
	}
	if err := tree.Build(); err != nil {
		return nil, err
	}
	return tree, nil
}

// resolveDstPaths turns each plan's layout-relative DstPath into the literal
// path its destination Root expects. A StreamSink (a dump directory, a pipe)
// resolves the vol's own filename from its root directory internally, so it
// is always handed root itself; a process-spawning Root's `btrfs receive`
// instead needs the directory that will contain the new subvolume, which is
// root joined with the layout path's parent (btrfs names the subvolume
// itself from the stream, not from this path).
func resolveDstPaths(plans []*transfer.Plan, root string, dst cowroot.Root) {
	_, streaming := dst.(cowroot.StreamSink)
	for _, p := range plans {
		if streaming {
			p.DstPath = root
			continue
		}
		if dir := filepath.Dir(p.DstPath); dir != "." {
			p.DstPath = filepath.Join(root, dir)
		} else {
			p.DstPath = root
		}
	}
}

func printResult(r *btrsync.Result) {
	for _, c := range r.Completed {
		logLevel(0, "sent %s (%d bytes)", c.Plan.Src.Path, c.BytesSent)
	}
	for _, f := range r.Failed {
		logLevel(0, "FAILED %s at stage %d: %s", f.Plan.Src.Path, f.FirstFailedStage, f.FirstFailedStderr)
	}
	for _, s := range r.Skipped {
		logLevel(1, "skipped %s: %s", s.Src.Path, s.Reason)
	}
	for _, p := range r.Prunable {
		logLevel(1, "prunable at destination: %s", p.Path)
	}
}

func resultError(r *btrsync.Result) error {
	switch {
	case r.Aborted != nil:
		return r.Aborted
	case r.Cancelled:
		return fmt.Errorf("interrupted")
	case len(r.Failed) > 0:
		return fmt.Errorf("%d of %d plan(s) failed", len(r.Failed), len(r.Failed)+len(r.Completed))
	default:
		return nil
	}
}
