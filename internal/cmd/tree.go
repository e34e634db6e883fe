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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/btrplex/btrsync/pkg/cowtree"
)

var treeShowAll bool

// NewTreeCommand builds the "tree" subcommand: list a root's subvolumes and
// render their snapshot ancestry as a tree.
func NewTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <source>",
		Short: "Print a source's subvolumes as a snapshot tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runTree,
	}
	cmd.Flags().BoolVar(&treeShowAll, "all", false, "include read-write subvolumes, not just send-eligible ones")
	return cmd
}

func runTree(cmd *cobra.Command, args []string) error {
	loc, err := parseSourceLocation(args[0], conf)
	if err != nil {
		return &exitCodeError{err: err, code: 2}
	}

	vols, err := loc.Root.List(context.Background())
	if err != nil {
		return &exitCodeError{err: fmt.Errorf("listing subvolumes: %w", err), code: 2}
	}

	tree := cowtree.New()
	for _, v := range vols {
		if err := tree.Insert(v); err != nil {
			return &exitCodeError{err: err, code: 2}
		}
	}
	if err := tree.Build(); err != nil {
		return &exitCodeError{err: err, code: 2}
	}

	treeprint.IndentSize = 4
	root := treeprint.NewWithRoot(loc.Path)
	renderChildren(root, tree, childrenOf(tree))

	fmt.Fprintln(cmd.OutOrStdout(), root.String())
	return nil
}

// childrenOf groups every shown Vol in tree by its in-tree parent, returning
// also the roots of the forest under uuid.Nil: the Vols with no in-tree
// parent, or whose parent is hidden because it is read-write and --all is
// not set.
func childrenOf(tree *cowtree.COWTree) map[uuid.UUID][]*cowtree.Vol {
	byParent := make(map[uuid.UUID][]*cowtree.Vol)
	for _, v := range tree.All() {
		if !treeShowAll && !v.RO {
			continue
		}
		key := uuid.Nil
		if p, ok := tree.ParentOf(v); ok && (treeShowAll || p.RO) {
			key = p.UUID
		}
		byParent[key] = append(byParent[key], v)
	}
	return byParent
}

func renderChildren(node treeprint.Tree, tree *cowtree.COWTree, byParent map[uuid.UUID][]*cowtree.Vol) {
	for _, v := range byParent[uuid.Nil] {
		addNode(node, v, tree, byParent)
	}
}

func addNode(parent treeprint.Tree, v *cowtree.Vol, tree *cowtree.COWTree, byParent map[uuid.UUID][]*cowtree.Vol) {
	label := v.Path
	meta := v.UUID.String()
	if v.HasReceivedUUID() {
		meta = fmt.Sprintf("%s received-from=%s", meta, v.ReceivedUUID)
	}
	child := parent.AddMetaNode(meta, label)
	for _, c := range byParent[v.UUID] {
		addNode(child, c, tree, byParent)
	}
}
