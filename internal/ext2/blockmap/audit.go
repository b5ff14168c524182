package blockmap

import (
	"context"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
)

// Audit reports pointers that lie past the end of a count-block list:
// direct slots, unused indirect roots and entries beyond the live range of
// every indirect node. A clean tree yields no findings.
func (t *Translator) Audit(ctx context.Context, pointers *[disklayout.NBlocks]uint32, count uint64) ([]string, error) {
	if count > MaxBlocks(t.epb) {
		return nil, fmt.Errorf("%w: %d", ErrTooLarge, count)
	}

	var findings []string
	shape := ComputeShape(count, t.epb)

	for i := shape.Direct; i < disklayout.NDirBlocks; i++ {
		if pointers[i] != 0 {
			findings = append(findings, fmt.Sprintf("direct slot %d set past end of list", i))
		}
	}

	for depth := 1; depth <= 3; depth++ {
		root := pointers[disklayout.IndBlock+depth-1]
		share := shape.Level(depth)
		if share == 0 {
			if root != 0 {
				findings = append(findings, fmt.Sprintf("indirect root of depth %d set for empty level", depth))
			}
			continue
		}
		if root == 0 {
			continue
		}
		more, err := t.auditNode(ctx, root, depth, share)
		if err != nil {
			return nil, err
		}
		findings = append(findings, more...)
	}

	return findings, nil
}

func (t *Translator) auditNode(ctx context.Context, idx uint32, depth int, count uint64) ([]string, error) {
	node := make([]byte, t.blockSize)
	if err := t.dev.ReadBlock(ctx, blockdev.BlockIndex(idx), node, 0, true); err != nil {
		return nil, fmt.Errorf("read indirect block %d: %w", idx, err)
	}

	span := pow(t.epb, depth-1)
	live := ceilDiv(count, span)

	var findings []string
	for i := live; i < t.epb; i++ {
		if getEntry(node, i) != 0 {
			findings = append(findings, fmt.Sprintf("block %d entry %d set past end of list", idx, i))
		}
	}

	if depth > 1 {
		for c := range live {
			child := getEntry(node, c)
			if child == 0 {
				continue
			}
			more, err := t.auditNode(ctx, child, depth-1, min(count-c*span, span))
			if err != nil {
				return nil, err
			}
			findings = append(findings, more...)
		}
	}
	return findings, nil
}
