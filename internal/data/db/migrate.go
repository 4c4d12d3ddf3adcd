package db

import (
	"gorm.io/gorm"

	types "github.com/varianteffect/mavedb-worker/internal/domain"
)

func AutoMigrateAll(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.Pipeline{},
		&types.JobRun{},
		&types.JobDependency{},

		&types.ScoreSet{},
		&types.TargetGene{},
		&types.Variant{},
		&types.MappedVariant{},
		&types.ClinicalControl{},
		&types.VariantAnnotation{},
	)
}
