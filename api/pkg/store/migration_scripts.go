package store

import (
	"gorm.io/gorm"
)

// Schema evolution is additive: AutoMigrate adds columns and tables,
// and the scripts below run once each when a change also needs code.
// Earlier installs predate multi-spec support, the review loop fields,
// chunk dependencies, worker tables, project config, git branch/commit
// columns and worktree columns on specs; AutoMigrate covers those. The
// scripts handle the conversions AutoMigrate can't express.

var migrationOrder = []string{
	"01_backfill_spec_status",
	"02_backfill_chunk_order",
	"03_cascade_rewrite",
}

var migrationScripts = map[string]func(*gorm.DB) error{
	// Specs created before the status column gained the full lifecycle
	// carry an empty status; treat them as draft.
	"01_backfill_spec_status": func(db *gorm.DB) error {
		return db.Exec(`UPDATE specs SET status = 'draft' WHERE status = '' OR status IS NULL`).Error
	},

	// Chunks created before ordering was explicit get an order derived
	// from creation time.
	"02_backfill_chunk_order": func(db *gorm.DB) error {
		type row struct {
			ID     string
			SpecID string
		}
		var rows []row
		if err := db.Table("chunks").
			Select("id, spec_id").
			Order("spec_id, created_at ASC").
			Scan(&rows).Error; err != nil {
			return err
		}
		order := 0
		lastSpec := ""
		for _, r := range rows {
			if r.SpecID != lastSpec {
				order = 0
				lastSpec = r.SpecID
			}
			if err := db.Table("chunks").
				Where("id = ?", r.ID).
				Update("chunk_order", order).Error; err != nil {
				return err
			}
			order++
		}
		return nil
	},

	// Legacy tables were created without ON DELETE CASCADE; sqlite can't
	// alter constraints in place, so orphans from pre-cascade deletes
	// are swept here. Cascade semantics are enforced transactionally by
	// DeleteProject/DeleteSpec from this point on.
	"03_cascade_rewrite": func(db *gorm.DB) error {
		statements := []string{
			`DELETE FROM specs WHERE project_id NOT IN (SELECT id FROM projects)`,
			`DELETE FROM chunks WHERE spec_id NOT IN (SELECT id FROM specs)`,
			`DELETE FROM chunk_tool_calls WHERE chunk_id NOT IN (SELECT id FROM chunks)`,
			`DELETE FROM workers WHERE spec_id NOT IN (SELECT id FROM specs)`,
			`DELETE FROM queue_items WHERE spec_id NOT IN (SELECT id FROM specs)`,
		}
		for _, stmt := range statements {
			if err := db.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	},
}
