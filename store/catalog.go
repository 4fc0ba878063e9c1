package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fieldsync/models"

	"go.uber.org/zap"
)

var catalogTables = map[models.Variant]string{
	models.VariantProject:      "catalog_projects",
	models.VariantFront:        "catalog_fronts",
	models.VariantLocality:     "catalog_localities",
	models.VariantSectorDetail: "catalog_sector_details",
	models.VariantActivity:     "catalog_activities",
}

const metaLastRefresh = "last_refresh"

// CatalogCache holds the last synchronized catalog snapshot. It is the only
// writer of the catalog tables.
type CatalogCache struct {
	store  *Store
	logger *zap.Logger
}

// NewCatalogCache returns the catalog view over s.
func NewCatalogCache(s *Store) *CatalogCache {
	return &CatalogCache{store: s, logger: s.logger.Named("catalog")}
}

// ReplaceAll overwrites all five catalog collections in a single transaction.
func (c *CatalogCache) ReplaceAll(ctx context.Context, snap models.CatalogSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid catalog snapshot: %w", err)
	}
	fetchedAt := snap.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, v := range models.Variants {
			table := catalogTables[v]
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
			stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+table+`
				(id, parent_id, name, activity_id, lat, lng, quantity, category)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare %s insert: %w", table, err)
			}
			for _, e := range snap.Collection(v) {
				if _, err := stmt.ExecContext(ctx, entityArgs(v, e)...); err != nil {
					stmt.Close()
					return fmt.Errorf("insert %s %d: %w", v, e.ID, err)
				}
			}
			stmt.Close()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, metaLastRefresh, formatTime(fetchedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replace catalog: %w", err)
	}

	c.logger.Info("catalog replaced",
		zap.Int("projects", len(snap.Projects)),
		zap.Int("fronts", len(snap.Fronts)),
		zap.Int("localities", len(snap.Localities)),
		zap.Int("sector_details", len(snap.SectorDetails)),
		zap.Int("activities", len(snap.Activities)),
	)
	return nil
}

func entityArgs(v models.Variant, e models.CatalogEntity) []any {
	var parent, activity, lat, lng, quantity, category any
	if _, ok := v.Parent(); ok {
		parent = e.ParentID
	}
	if v == models.VariantSectorDetail {
		activity = e.ActivityID
		if e.Location != nil {
			lat, lng = e.Location.Latitude, e.Location.Longitude
		}
		if e.Quantity != nil {
			quantity = *e.Quantity
		}
	}
	if v == models.VariantActivity && e.Category != "" {
		category = e.Category
	}
	return []any{e.ID, parent, e.Name, activity, lat, lng, quantity, category}
}

// Snapshot reads all five collections inside one read transaction, so the
// result always belongs to a single refresh. Orphans are included.
func (c *CatalogCache) Snapshot(ctx context.Context) (models.CatalogSnapshot, error) {
	var snap models.CatalogSnapshot
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, v := range models.Variants {
			entities, err := scanEntities(ctx, tx, v, selectEntities(v)+` ORDER BY e.name COLLATE NOCASE, e.id`)
			if err != nil {
				return err
			}
			snap.SetCollection(v, entities)
		}
		var value string
		err := tx.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, metaLastRefresh).Scan(&value)
		if err == nil {
			snap.FetchedAt = parseTime(value)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("catalog snapshot failed", zap.Error(err))
		return models.CatalogSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snap, nil
}

// Query returns the entities of a variant ordered by name, optionally
// restricted to one parent. Entities whose direct parent is missing from
// the cache are treated as orphans and left out. When the store cannot be
// read the result is empty and the error wraps ErrUnavailable.
func (c *CatalogCache) Query(ctx context.Context, v models.Variant, parentID *int64) ([]models.CatalogEntity, error) {
	if !v.Valid() {
		return []models.CatalogEntity{}, fmt.Errorf("unknown catalog variant %q", v)
	}

	query := selectEntities(v)
	var args []any
	if parent, ok := v.Parent(); ok {
		query += ` AND EXISTS (SELECT 1 FROM ` + catalogTables[parent] + ` p WHERE p.id = e.parent_id)`
	}
	if parentID != nil {
		if _, ok := v.Parent(); !ok {
			return []models.CatalogEntity{}, nil
		}
		query += ` AND e.parent_id = ?`
		args = append(args, *parentID)
	}
	query += ` ORDER BY e.name COLLATE NOCASE, e.id`

	entities, err := scanEntities(ctx, c.store.db, v, query, args...)
	if err != nil {
		c.logger.Warn("catalog query failed", zap.String("variant", string(v)), zap.Error(err))
		return []models.CatalogEntity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entities, nil
}

// Get looks up one entity, orphan or not.
func (c *CatalogCache) Get(ctx context.Context, v models.Variant, id int64) (models.CatalogEntity, error) {
	if !v.Valid() {
		return models.CatalogEntity{}, fmt.Errorf("unknown catalog variant %q", v)
	}
	entities, err := scanEntities(ctx, c.store.db, v, selectEntities(v)+` AND e.id = ?`, id)
	if err != nil {
		return models.CatalogEntity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(entities) == 0 {
		return models.CatalogEntity{}, ErrNotFound
	}
	return entities[0], nil
}

// SearchDetails lists the sector details of a locality whose name or
// activity name contains q (case-insensitive), grouped by activity name.
func (c *CatalogCache) SearchDetails(ctx context.Context, localityID int64, q string) ([]models.CatalogEntity, error) {
	details, err := c.Query(ctx, models.VariantSectorDetail, &localityID)
	if err != nil {
		return details, err
	}
	needle := strings.ToLower(strings.TrimSpace(q))
	out := details[:0]
	for _, d := range details {
		if needle == "" || strings.Contains(strings.ToLower(d.Name+" "+d.ActivityName), needle) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].ActivityName) < strings.ToLower(out[j].ActivityName)
	})
	return out, nil
}

// LastRefreshed returns when the cached snapshot was fetched, or the zero
// time if the cache was never filled.
func (c *CatalogCache) LastRefreshed(ctx context.Context) time.Time {
	var value string
	err := c.store.db.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = ?`, metaLastRefresh).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("read catalog metadata", zap.Error(err))
		}
		return time.Time{}
	}
	return parseTime(value)
}

func selectEntities(v models.Variant) string {
	table := catalogTables[v]
	activityName := `''`
	join := ""
	if v == models.VariantSectorDetail {
		activityName = `COALESCE(a.name, '')`
		join = ` LEFT JOIN ` + catalogTables[models.VariantActivity] + ` a ON a.id = e.activity_id`
	}
	return `SELECT e.id, e.parent_id, e.name, e.activity_id, e.lat, e.lng, e.quantity, e.category, ` +
		activityName + ` FROM ` + table + ` e` + join + ` WHERE 1=1`
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanEntities(ctx context.Context, q queryer, v models.Variant, query string, args ...any) ([]models.CatalogEntity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := []models.CatalogEntity{}
	for rows.Next() {
		var (
			e          models.CatalogEntity
			parent     sql.NullInt64
			activityID sql.NullInt64
			lat, lng   sql.NullFloat64
			quantity   sql.NullFloat64
			category   sql.NullString
		)
		if err := rows.Scan(&e.ID, &parent, &e.Name, &activityID, &lat, &lng, &quantity, &category, &e.ActivityName); err != nil {
			return nil, fmt.Errorf("scan %s: %w", v, err)
		}
		e.Variant = v
		e.ParentID = parent.Int64
		e.ActivityID = activityID.Int64
		if lat.Valid && lng.Valid {
			e.Location = &models.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		if quantity.Valid {
			q := quantity.Float64
			e.Quantity = &q
		}
		e.Category = category.String
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", v, err)
	}
	return entities, nil
}
