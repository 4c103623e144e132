package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

// DescriptorStore is the subset of the container store mirroring needs.
type DescriptorStore interface {
	Put(ctx context.Context, c *container.Container) (string, error)
}

// MirrorDescriptors writes a capability_descriptor container under parentID
// for every entry currently in the registry, so capabilities are retrievable
// through the same tree and search paths as methodologies. Descriptor ids are
// derived from the capability id, so re-mirroring after a manifest reload
// overwrites in place instead of accumulating duplicates. Returns the number
// of descriptors written.
func MirrorDescriptors(ctx context.Context, r *Registry, st DescriptorStore, parentID string, logger *zap.Logger) (int, error) {
	if parentID == "" {
		return 0, fmt.Errorf("descriptor parent id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	written := 0
	for _, e := range r.List("") {
		payload, err := json.Marshal(container.DescriptorPayload{
			CapabilityID: e.ID,
			Category:     e.Schema.Category,
			Description:  e.Schema.Description,
		})
		if err != nil {
			return written, fmt.Errorf("encoding descriptor for %s: %w", e.ID, err)
		}

		c := &container.Container{
			ID:       "capability/" + e.ID,
			Kind:     container.KindCapabilityDesc,
			ParentID: parentID,
			Payload:  payload,
			Scope:    container.ScopeLocal,
		}
		if _, err := st.Put(ctx, c); err != nil {
			return written, fmt.Errorf("mirroring descriptor for %s: %w", e.ID, err)
		}
		written++
	}

	logger.Info("capability descriptors mirrored",
		zap.String("parent", parentID),
		zap.Int("count", written))
	return written, nil
}
