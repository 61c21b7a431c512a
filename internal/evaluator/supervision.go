package evaluator

import (
	"errors"
	"fmt"

	"wisefido-tagcache/internal/cache"
	"wisefido-tagcache/internal/models"

	"go.uber.org/zap"
)

// StatusProvider answers the current supervision status of a tag owner.
type StatusProvider interface {
	GetStatus(kind models.EntityKind, ownerID int64) (models.SupervisionStatus, error)
}

// StoreStatusProvider reads statuses from the supervised entity stores.
type StoreStatusProvider struct {
	stores map[models.EntityKind]*cache.Store[int64, *models.SupervisedEntity]
}

// NewStoreStatusProvider creates a provider over one store per entity kind.
func NewStoreStatusProvider(stores map[models.EntityKind]*cache.Store[int64, *models.SupervisedEntity]) *StoreStatusProvider {
	return &StoreStatusProvider{stores: stores}
}

// GetStatus implements StatusProvider.
func (p *StoreStatusProvider) GetStatus(kind models.EntityKind, ownerID int64) (models.SupervisionStatus, error) {
	store, ok := p.stores[kind]
	if !ok {
		return models.StatusNoStatus, fmt.Errorf("%w: no store for %s", cache.ErrNotFound, kind)
	}
	entity, err := store.Get(ownerID)
	if err != nil {
		return models.StatusNoStatus, err
	}
	return entity.Status, nil
}

// SupervisionGate decides whether a stored tag update may trigger alarm
// evaluation. Updates are stored regardless; the gate only holds back
// evaluation while an owner is not running.
type SupervisionGate struct {
	provider StatusProvider
	logger   *zap.Logger
}

// NewSupervisionGate creates a gate.
func NewSupervisionGate(provider StatusProvider, logger *zap.Logger) *SupervisionGate {
	return &SupervisionGate{provider: provider, logger: logger}
}

// IsReadyForEvaluation combines the tag's own readiness with its owners' status.
func (g *SupervisionGate) IsReadyForEvaluation(tag *models.Tag) bool {
	return tag.ReadyForEvaluation() && g.OwnersRunning(tag)
}

// OwnersRunning reports whether every owner of the tag is running. An owner
// id of 0 means the tag has no owner of that kind. Unknown owners count as
// not running.
func (g *SupervisionGate) OwnersRunning(tag *models.Tag) bool {
	owners := []struct {
		kind models.EntityKind
		id   int64
	}{
		{models.KindProcess, tag.ProcessID},
		{models.KindEquipment, tag.EquipmentID},
		{models.KindSubEquipment, tag.SubEquipmentID},
	}

	for _, owner := range owners {
		if owner.id == 0 {
			continue
		}
		status, err := g.provider.GetStatus(owner.kind, owner.id)
		if err != nil {
			level := g.logger.Warn
			if errors.Is(err, cache.ErrNotFound) {
				level = g.logger.Debug
			}
			level("Owner status unavailable",
				zap.Int64("tag_id", tag.ID),
				zap.String("owner_kind", string(owner.kind)),
				zap.Int64("owner_id", owner.id),
				zap.Error(err),
			)
			return false
		}
		if !status.IsRunning() {
			g.logger.Debug("Owner not running",
				zap.Int64("tag_id", tag.ID),
				zap.String("owner_kind", string(owner.kind)),
				zap.Int64("owner_id", owner.id),
				zap.String("status", string(status)),
			)
			return false
		}
	}
	return true
}
