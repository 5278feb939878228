package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type productModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	RemoteID       string `gorm:"uniqueIndex;size:64;not null"`
	Title          string `gorm:"type:text;not null"`
	Description    string `gorm:"type:text"`
	Vendor         string `gorm:"size:255"`
	Status         string `gorm:"size:32"`
	Price          string `gorm:"size:32"`
	AttributeNames string `gorm:"type:text"`
	AssetIDs       string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (productModel) TableName() string { return "sync_products" }

type variantModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ProductID int64  `gorm:"index;not null"`
	RemoteID  string `gorm:"uniqueIndex;size:64;not null"`
	Title     string `gorm:"type:text"`
	SKU       string `gorm:"size:128"`
	Price     string `gorm:"size:32"`
	Options   string `gorm:"type:text"`
	AssetID   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (variantModel) TableName() string { return "sync_variants" }

type assetModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	SourceURL   string `gorm:"index;size:2048;not null"`
	ContentType string `gorm:"size:128"`
	Content     []byte `gorm:"type:bytea"`
	CreatedAt   time.Time
}

func (assetModel) TableName() string { return "sync_assets" }

// PostgresStore implements Store on a Postgres database through GORM.
type PostgresStore struct {
	db *gorm.DB
}

// ConnectPostgres opens the database and migrates the sync tables.
func ConnectPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&productModel{}, &variantModel{}, &assetModel{}); err != nil {
		return nil, fmt.Errorf("migrate sync tables: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, p *Product) (int64, error) {
	rec, err := toProductModel(p)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, fmt.Errorf("create product %s: %w", p.RemoteID, err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, p *Product) error {
	rec, err := toProductModel(p)
	if err != nil {
		return err
	}
	rec.ID = p.ID
	result := s.db.WithContext(ctx).Model(&productModel{}).Where("id = ?", p.ID).Updates(map[string]any{
		"title":           rec.Title,
		"description":     rec.Description,
		"vendor":          rec.Vendor,
		"status":          rec.Status,
		"price":           rec.Price,
		"attribute_names": rec.AttributeNames,
		"asset_ids":       rec.AssetIDs,
		"updated_at":      time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("update product %d: %w", p.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateVariant(ctx context.Context, v *Variant) (int64, error) {
	rec, err := toVariantModel(v)
	if err != nil {
		return 0, err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, fmt.Errorf("create variant %s: %w", v.RemoteID, err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) UpdateVariant(ctx context.Context, v *Variant) error {
	rec, err := toVariantModel(v)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&variantModel{}).Where("id = ?", v.ID).Updates(map[string]any{
		"product_id": rec.ProductID,
		"title":      rec.Title,
		"sku":        rec.SKU,
		"price":      rec.Price,
		"options":    rec.Options,
		"asset_id":   rec.AssetID,
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("update variant %d: %w", v.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAsset(ctx context.Context, sourceURL, contentType string, data []byte) (int64, error) {
	rec := &assetModel{
		SourceURL:   sourceURL,
		ContentType: contentType,
		Content:     data,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, fmt.Errorf("save asset %s: %w", sourceURL, err)
	}
	return rec.ID, nil
}

func toProductModel(p *Product) (*productModel, error) {
	assetIDs, err := json.Marshal(p.AssetIDs)
	if err != nil {
		return nil, fmt.Errorf("encode asset ids: %w", err)
	}
	return &productModel{
		RemoteID:       p.RemoteID,
		Title:          p.Title,
		Description:    p.Description,
		Vendor:         p.Vendor,
		Status:         p.Status,
		Price:          p.Price,
		AttributeNames: strings.Join(p.AttributeNames, ","),
		AssetIDs:       string(assetIDs),
	}, nil
}

func toVariantModel(v *Variant) (*variantModel, error) {
	options, err := json.Marshal(v.Options)
	if err != nil {
		return nil, fmt.Errorf("encode variant options: %w", err)
	}
	return &variantModel{
		ProductID: v.ProductID,
		RemoteID:  v.RemoteID,
		Title:     v.Title,
		SKU:       v.SKU,
		Price:     v.Price,
		Options:   string(options),
		AssetID:   v.AssetID,
	}, nil
}
