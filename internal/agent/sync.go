package agent

import (
	"context"
	"path/filepath"

	"github.com/faize-ai/world/internal/protocol"
	"github.com/faize-ai/world/internal/syncer"
)

// pendingApply collects the chunks of a multi-frame apply request.
type pendingApply struct {
	id      string
	root    string
	asm     *syncer.Assembler
	deletes []string
	expect  map[string]string
}

func (c *connection) tree(root string) (*syncer.DirTree, error) {
	if root == "" {
		root = c.s.opts.Root
	}
	if !filepath.IsAbs(root) {
		return nil, badRequest("sync root %q must be absolute", root)
	}
	return syncer.NewDirTree(root, c.s.opts.Protect)
}

func (c *connection) snapshot(ctx context.Context, req protocol.SyncSnapshotRequest) {
	tree, err := c.tree(req.Root)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	snap, err := tree.Snapshot(ctx)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.TypeSyncSnapshotResponse, protocol.SyncSnapshotResponse{ID: req.ID, Snapshot: snap})
}

// read streams the requested files back as blob batches. The last
// response is marked Final, even when there is nothing to send.
func (c *connection) read(ctx context.Context, req protocol.SyncReadRequest) {
	tree, err := c.tree(req.Root)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	files, err := tree.Read(ctx, req.Paths)
	if err != nil {
		c.fail(req.ID, err)
		return
	}

	var blobs []protocol.Blob
	for _, f := range files {
		blobs = append(blobs, syncer.EncodeBlobs(f)...)
	}
	batches := syncer.Batches(blobs)
	if len(batches) == 0 {
		batches = [][]protocol.Blob{nil}
	}
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.TypeSyncReadResponse, protocol.SyncReadResponse{
			ID:    req.ID,
			Blobs: batch,
			Final: i == len(batches)-1,
		})
	}
}

// stageApply adds a chunk to the pending apply for req.ID. It returns the
// completed apply once the final chunk has arrived.
func (c *connection) stageApply(req protocol.SyncApplyRequest) (*pendingApply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pa, ok := c.applies[req.ID]
	if !ok {
		if req.ID == "" {
			return nil, badRequest("apply request without id")
		}
		pa = &pendingApply{id: req.ID, root: req.Root, asm: syncer.NewAssembler()}
		c.applies[req.ID] = pa
	}
	for _, b := range req.Writes {
		if err := pa.asm.Add(b); err != nil {
			delete(c.applies, req.ID)
			return nil, badRequest("%v", err)
		}
	}
	if !req.Final {
		return nil, nil
	}
	delete(c.applies, req.ID)
	pa.deletes = req.Deletes
	pa.expect = req.Expect
	return pa, nil
}

func (c *connection) apply(ctx context.Context, pa *pendingApply) {
	tree, err := c.tree(pa.root)
	if err != nil {
		c.fail(pa.id, err)
		return
	}
	files, err := pa.asm.Files()
	if err != nil {
		c.fail(pa.id, badRequest("%v", err))
		return
	}
	applied, err := tree.Apply(ctx, files, pa.deletes, pa.expect)
	if err != nil {
		c.log.WithError(err).WithField("id", pa.id).Debug("apply rejected")
		c.fail(pa.id, err)
		return
	}
	if applied == nil {
		applied = []string{}
	}
	c.send(protocol.TypeSyncApplyResponse, protocol.SyncApplyResponse{ID: pa.id, Applied: applied})
}
