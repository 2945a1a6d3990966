package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"gorm.io/gorm"
)

// GormStore persists scenes and relationships through gorm
type GormStore struct {
	db         *gorm.DB
	batchLimit int
}

// NewGormStore wraps db. A non-positive batchLimit selects DefaultBatchLimit.
func NewGormStore(db *gorm.DB, batchLimit int) *GormStore {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &GormStore{db: db, batchLimit: batchLimit}
}

func (s *GormStore) CreateScene(ctx context.Context, scene *models.Scene) (string, error) {
	if err := scene.Validate(); err != nil {
		return "", apperror.Wrap(apperror.KindValidation, "store.CreateScene", err)
	}
	if !scene.IsOriginal {
		var parents int64
		if err := s.db.WithContext(ctx).Model(&models.Scene{}).Where("id = ?", scene.ParentSceneID).Count(&parents).Error; err != nil {
			return "", apperror.Wrap(apperror.KindInternal, "store.CreateScene", err)
		}
		if parents == 0 {
			return "", apperror.New(apperror.KindNotFound, "store.CreateScene", fmt.Sprintf("parent scene %s not found", scene.ParentSceneID))
		}
	}
	if err := s.db.WithContext(ctx).Create(scene).Error; err != nil {
		return "", apperror.Wrap(apperror.KindInternal, "store.CreateScene", err)
	}
	return scene.ID, nil
}

func (s *GormStore) GetScene(ctx context.Context, id string) (*models.Scene, error) {
	var scene models.Scene
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&scene).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.New(apperror.KindNotFound, "store.GetScene", fmt.Sprintf("scene %s not found", id))
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "store.GetScene", err)
	}
	return &scene, nil
}

func (s *GormStore) CreateRelationship(ctx context.Context, rel *models.VariationRelationship) error {
	if err := s.db.WithContext(ctx).Create(rel).Error; err != nil {
		return apperror.Wrap(apperror.KindInternal, "store.CreateRelationship", err)
	}
	return nil
}

func (s *GormStore) ListRelationships(ctx context.Context, parentID string, kind models.RelationshipKind) ([]models.VariationRelationship, error) {
	query := s.db.WithContext(ctx).Where("parent_scene_id = ?", parentID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	var rels []models.VariationRelationship
	if err := query.Order("created_at").Find(&rels).Error; err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "store.ListRelationships", err)
	}
	return rels, nil
}

func (s *GormStore) GetScenes(ctx context.Context, ids []string) ([]models.Scene, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > s.batchLimit {
		return nil, apperror.New(apperror.KindInternal, "store.GetScenes",
			fmt.Sprintf("%d ids exceed the batch limit of %d", len(ids), s.batchLimit))
	}

	var scenes []models.Scene
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&scenes).Error; err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "store.GetScenes", err)
	}
	return scenes, nil
}

func (s *GormStore) BatchLimit() int {
	return s.batchLimit
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
