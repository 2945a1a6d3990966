package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and the CLI dry-run mode
type MemoryStore struct {
	mu            sync.RWMutex
	scenes        map[string]models.Scene
	order         []string
	relationships []models.VariationRelationship
	batchLimit    int
	now           func() time.Time

	// FailCreateScene and FailCreateRelationship, when set, are consulted
	// before each write and returned as-is if non-nil
	FailCreateScene        func(scene *models.Scene) error
	FailCreateRelationship func(rel *models.VariationRelationship) error

	// GetScenesCalls counts GetScenes invocations
	GetScenesCalls int
}

// NewMemoryStore creates an empty store. A non-positive batchLimit selects DefaultBatchLimit.
func NewMemoryStore(batchLimit int) *MemoryStore {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &MemoryStore{
		scenes:     make(map[string]models.Scene),
		batchLimit: batchLimit,
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateScene(ctx context.Context, scene *models.Scene) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperror.Wrap(apperror.KindTimeout, "store.CreateScene", err)
	}
	if err := scene.Validate(); err != nil {
		return "", apperror.Wrap(apperror.KindValidation, "store.CreateScene", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreateScene != nil {
		if err := s.FailCreateScene(scene); err != nil {
			return "", err
		}
	}
	if scene.ID == "" {
		scene.ID = uuid.New().String()
	}
	if _, exists := s.scenes[scene.ID]; exists {
		return "", apperror.New(apperror.KindValidation, "store.CreateScene", fmt.Sprintf("scene %s already exists", scene.ID))
	}
	if !scene.IsOriginal {
		if _, ok := s.scenes[scene.ParentSceneID]; !ok {
			return "", apperror.New(apperror.KindNotFound, "store.CreateScene", fmt.Sprintf("parent scene %s not found", scene.ParentSceneID))
		}
	}
	if scene.CreatedAt.IsZero() {
		scene.CreatedAt = s.now()
	}
	stored := *scene
	stored.Attributes = scene.CloneAttributes()
	s.scenes[scene.ID] = stored
	s.order = append(s.order, scene.ID)
	return scene.ID, nil
}

func (s *MemoryStore) GetScene(ctx context.Context, id string) (*models.Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Wrap(apperror.KindTimeout, "store.GetScene", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	scene, ok := s.scenes[id]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "store.GetScene", fmt.Sprintf("scene %s not found", id))
	}
	scene.Attributes = scene.CloneAttributes()
	return &scene, nil
}

func (s *MemoryStore) CreateRelationship(ctx context.Context, rel *models.VariationRelationship) error {
	if err := ctx.Err(); err != nil {
		return apperror.Wrap(apperror.KindTimeout, "store.CreateRelationship", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreateRelationship != nil {
		if err := s.FailCreateRelationship(rel); err != nil {
			return err
		}
	}
	for _, id := range []string{rel.ParentSceneID, rel.ChildSceneID} {
		if _, ok := s.scenes[id]; !ok {
			return apperror.New(apperror.KindNotFound, "store.CreateRelationship", fmt.Sprintf("scene %s not found", id))
		}
	}
	for _, existing := range s.relationships {
		if existing.ChildSceneID == rel.ChildSceneID {
			return apperror.New(apperror.KindValidation, "store.CreateRelationship",
				fmt.Sprintf("scene %s already has a parent edge", rel.ChildSceneID))
		}
	}
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = s.now()
	}
	s.relationships = append(s.relationships, *rel)
	return nil
}

func (s *MemoryStore) ListRelationships(ctx context.Context, parentID string, kind models.RelationshipKind) ([]models.VariationRelationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Wrap(apperror.KindTimeout, "store.ListRelationships", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rels []models.VariationRelationship
	for _, rel := range s.relationships {
		if rel.ParentSceneID == parentID && (kind == "" || rel.Kind == kind) {
			rels = append(rels, rel)
		}
	}
	return rels, nil
}

func (s *MemoryStore) GetScenes(ctx context.Context, ids []string) ([]models.Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Wrap(apperror.KindTimeout, "store.GetScenes", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetScenesCalls++

	if len(ids) > s.batchLimit {
		return nil, apperror.New(apperror.KindInternal, "store.GetScenes",
			fmt.Sprintf("%d ids exceed the batch limit of %d", len(ids), s.batchLimit))
	}

	scenes := make([]models.Scene, 0, len(ids))
	for _, id := range ids {
		if scene, ok := s.scenes[id]; ok {
			scene.Attributes = scene.CloneAttributes()
			scenes = append(scenes, scene)
		}
	}
	return scenes, nil
}

func (s *MemoryStore) BatchLimit() int {
	return s.batchLimit
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Scenes returns every stored scene in insertion order
func (s *MemoryStore) Scenes() []models.Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Scene, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.scenes[id])
	}
	return out
}

// Relationships returns every stored edge in insertion order
func (s *MemoryStore) Relationships() []models.VariationRelationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.VariationRelationship(nil), s.relationships...)
}
