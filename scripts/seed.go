package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"fieldsync/config"
	"fieldsync/db"
	"fieldsync/logging"
	"fieldsync/models"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type fixtureEntity struct {
	ID         int64    `yaml:"id"`
	Name       string   `yaml:"name"`
	ParentID   int64    `yaml:"parent_id"`
	ActivityID int64    `yaml:"activity_id"`
	Lat        *float64 `yaml:"lat"`
	Lng        *float64 `yaml:"lng"`
	Quantity   *float64 `yaml:"quantity"`
	Category   string   `yaml:"category"`
}

type catalogFixture struct {
	Projects      []fixtureEntity `yaml:"projects"`
	Fronts        []fixtureEntity `yaml:"fronts"`
	Localities    []fixtureEntity `yaml:"localities"`
	SectorDetails []fixtureEntity `yaml:"sector_details"`
	Activities    []fixtureEntity `yaml:"activities"`
}

func (f catalogFixture) collection(v models.Variant) []fixtureEntity {
	switch v {
	case models.VariantProject:
		return f.Projects
	case models.VariantFront:
		return f.Fronts
	case models.VariantLocality:
		return f.Localities
	case models.VariantSectorDetail:
		return f.SectorDetails
	case models.VariantActivity:
		return f.Activities
	}
	return nil
}

// loadFixture parses a YAML catalog fixture and checks every child points
// at an existing parent.
func loadFixture(r io.Reader) (models.CatalogSnapshot, error) {
	var fixture catalogFixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fixture); err != nil {
		return models.CatalogSnapshot{}, fmt.Errorf("failed to parse fixture: %w", err)
	}

	var snap models.CatalogSnapshot
	for _, v := range models.Variants {
		entities := make([]models.CatalogEntity, 0, len(fixture.collection(v)))
		for _, fe := range fixture.collection(v) {
			e := models.CatalogEntity{
				Variant:    v,
				ID:         fe.ID,
				Name:       fe.Name,
				ParentID:   fe.ParentID,
				ActivityID: fe.ActivityID,
				Quantity:   fe.Quantity,
				Category:   fe.Category,
			}
			if fe.Lat != nil && fe.Lng != nil {
				e.Location = &models.Coordinates{Latitude: *fe.Lat, Longitude: *fe.Lng}
			}
			entities = append(entities, e)
		}
		snap.SetCollection(v, entities)
	}
	if err := snap.Validate(); err != nil {
		return models.CatalogSnapshot{}, err
	}

	for _, v := range models.Variants {
		parent, ok := v.Parent()
		if !ok {
			continue
		}
		ids := make(map[int64]bool)
		for _, p := range snap.Collection(parent) {
			ids[p.ID] = true
		}
		for _, e := range snap.Collection(v) {
			if !ids[e.ParentID] {
				return models.CatalogSnapshot{}, fmt.Errorf("%s %d points at missing %s %d", v, e.ID, parent, e.ParentID)
			}
		}
	}
	return snap, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using system environment variables")
	}

	file := flag.String("file", "scripts/catalog.yaml", "YAML catalog fixture")
	flag.Parse()

	cfg := config.Load()
	logger, err := logging.New(cfg.Logging.Level, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(context.Background(), cfg, *file, logger); err != nil {
		logger.Fatal("seeding failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, file string, logger *zap.Logger) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open fixture: %w", err)
	}
	defer f.Close()

	snap, err := loadFixture(f)
	if err != nil {
		return err
	}

	app, err := db.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsPath)
	if err != nil {
		return err
	}
	firestoreDB, err := db.NewFirestoreDB(ctx, app, nil, logger)
	if err != nil {
		return err
	}
	defer firestoreDB.Close()

	logger.Info("starting catalog seeding", zap.String("fixture", file))
	n, err := firestoreDB.SeedCatalog(ctx, snap)
	if err != nil {
		return err
	}
	for _, v := range models.Variants {
		logger.Info("seeded collection",
			zap.String("collection", db.CatalogCollection(v)),
			zap.Int("documents", len(snap.Collection(v))))
	}
	logger.Info("catalog seeding completed", zap.Int("documents", n))
	return nil
}
