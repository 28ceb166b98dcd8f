// Package orgunit reads the organizational units invoices are billed to.
package orgunit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("orgunit",
	fx.Provide(NewRepository),
)

type UnitType string

const (
	UnitTypeBranch     UnitType = "branch"
	UnitTypeAgency     UnitType = "agency"
	UnitTypeDepartment UnitType = "department"
)

var ErrUnitNotFound = errors.New("unit_not_found")

// Unit is a billing entity identified by its store code.
type Unit struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	StoreCode string       `gorm:"type:text;not null;uniqueIndex" json:"store_code"`
	Type      UnitType     `gorm:"type:text;not null;index" json:"type"`
	// CommissionRate is a percentage; nil means the configured default applies.
	CommissionRate *float64  `json:"commission_rate,omitempty"`
	IsActive       bool      `gorm:"not null" json:"is_active"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Unit) TableName() string { return "organizational_units" }

// Commission returns the unit commission percentage or fallback when unset.
func (u Unit) Commission(fallback decimal.Decimal) decimal.Decimal {
	if u.CommissionRate == nil {
		return fallback
	}
	return decimal.NewFromFloat(*u.CommissionRate)
}

type Repository interface {
	ListActive(ctx context.Context, unitType UnitType) ([]Unit, error)
	// ResolveAgencyUnit finds the unit that receives the agency invoice of a branch code.
	ResolveAgencyUnit(ctx context.Context, branchCode string) (Unit, error)
	GetByID(ctx context.Context, id snowflake.ID) (Unit, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repo{db: db}
}

func (r *repo) ListActive(ctx context.Context, unitType UnitType) ([]Unit, error) {
	var units []Unit
	err := r.db.WithContext(ctx).
		Where("type = ? AND is_active = ?", unitType, true).
		Order("store_code ASC, id ASC").
		Find(&units).Error
	if err != nil {
		return nil, err
	}
	return units, nil
}

// ResolveAgencyUnit prefers an active agency unit under the branch code and falls back to
// any active unit under it.
func (r *repo) ResolveAgencyUnit(ctx context.Context, branchCode string) (Unit, error) {
	branchCode = strings.TrimSpace(branchCode)
	if branchCode == "" {
		return Unit{}, ErrUnitNotFound
	}

	var units []Unit
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND store_code LIKE ? ESCAPE '!'", true, escapeLike(branchCode)+"%").
		Order("store_code ASC, id ASC").
		Find(&units).Error
	if err != nil {
		return Unit{}, err
	}
	if len(units) == 0 {
		return Unit{}, ErrUnitNotFound
	}
	for _, unit := range units {
		if unit.Type == UnitTypeAgency {
			return unit, nil
		}
	}
	return units[0], nil
}

func (r *repo) GetByID(ctx context.Context, id snowflake.ID) (Unit, error) {
	var unit Unit
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&unit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Unit{}, ErrUnitNotFound
	}
	if err != nil {
		return Unit{}, err
	}
	return unit, nil
}

// escapeLike escapes LIKE wildcards with '!', which every supported dialect accepts as ESCAPE.
func escapeLike(value string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(value)
}
