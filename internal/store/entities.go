// entities.go — Product, offer, and banner persistence.
// Upserts run in a transaction: the previous row is read under FOR UPDATE and
// returned to the caller so the change detector diffs against exactly the
// state this write replaced. Re-seen entities are resurrected (removed_at
// cleared).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forecourt/oemwatch/internal/types"
)

var entityTables = map[types.EntityKind]string{
	types.KindProduct: "products",
	types.KindOffer:   "offers",
	types.KindBanner:  "banners",
}

// prevRow is the pre-write state read under the row lock.
type prevRow struct {
	ID          string    `db:"id"`
	Fingerprint string    `db:"fingerprint"`
	FieldMap    []byte    `db:"field_map"`
	FirstSeenAt time.Time `db:"first_seen_at"`
}

// lockPrev reads the existing row for (tenant, key) under FOR UPDATE. Returns
// nil when the entity is new.
func lockPrev(ctx context.Context, tx *sqlx.Tx, table, tenant, key string) (*prevRow, error) {
	var prev prevRow
	query := fmt.Sprintf(
		`SELECT id, fingerprint, field_map, first_seen_at FROM %s WHERE tenant_slug = $1 AND external_key = $2 FOR UPDATE`,
		table)
	err := tx.GetContext(ctx, &prev, query, tenant, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

// result builds the UpsertResult from the locked previous state.
func upsertResult(id string, prev *prevRow) (types.UpsertResult, error) {
	res := types.UpsertResult{EntityID: id, Created: prev == nil}
	if prev != nil {
		res.PrevFingerprint = prev.Fingerprint
		if len(prev.FieldMap) > 0 {
			if err := json.Unmarshal(prev.FieldMap, &res.Prev); err != nil {
				return res, fmt.Errorf("decode prev field map: %w", err)
			}
		}
	}
	return res, nil
}

// UpsertProduct writes the product and returns the pre-write state.
func (r *Repository) UpsertProduct(ctx context.Context, p *types.Product) (types.UpsertResult, error) {
	fieldMap, err := json.Marshal(p.FieldMap())
	if err != nil {
		return types.UpsertResult{}, err
	}
	now := r.now()
	var res types.UpsertResult
	err = r.inTx(ctx, func(tx *sqlx.Tx) error {
		prev, err := lockPrev(ctx, tx, "products", p.TenantSlug, p.ExternalKey)
		if err != nil {
			return err
		}
		if prev == nil {
			p.ID = uuid.NewString()
			p.FirstSeenAt, p.LastSeenAt = now, now
			_, err = tx.ExecContext(ctx, `
INSERT INTO products (id, tenant_slug, page_id, source_url, external_key, title, subtitle,
                      body_type, fuel_type, availability, price_amount, price_currency,
                      disclaimer, image_url, image_fingerprint, gallery_count, field_map,
                      first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
				p.ID, p.TenantSlug, p.PageID, p.SourceURL, p.ExternalKey, p.Title, p.Subtitle,
				p.BodyType, p.FuelType, p.Availability, p.Price.Amount, p.Price.Currency,
				p.Disclaimer, p.ImageURL, p.ImageFingerprint, p.GalleryCount, fieldMap, now, now)
		} else {
			p.ID = prev.ID
			p.FirstSeenAt, p.LastSeenAt = prev.FirstSeenAt, now
			_, err = tx.ExecContext(ctx, `
UPDATE products SET page_id=$2, source_url=$3, title=$4, subtitle=$5, body_type=$6,
                    fuel_type=$7, availability=$8, price_amount=$9, price_currency=$10,
                    disclaimer=$11, image_url=$12, image_fingerprint=$13, gallery_count=$14,
                    field_map=$15, last_seen_at=$16, removed_at=NULL
WHERE id = $1`,
				p.ID, p.PageID, p.SourceURL, p.Title, p.Subtitle, p.BodyType,
				p.FuelType, p.Availability, p.Price.Amount, p.Price.Currency,
				p.Disclaimer, p.ImageURL, p.ImageFingerprint, p.GalleryCount,
				fieldMap, now)
		}
		if err != nil {
			return err
		}
		res, err = upsertResult(p.ID, prev)
		return err
	})
	if err != nil {
		return types.UpsertResult{}, fmt.Errorf("upsert product %s/%s: %w", p.TenantSlug, p.ExternalKey, err)
	}
	return res, nil
}

// UpsertOffer writes the offer and returns the pre-write state.
func (r *Repository) UpsertOffer(ctx context.Context, o *types.Offer) (types.UpsertResult, error) {
	fieldMap, err := json.Marshal(o.FieldMap())
	if err != nil {
		return types.UpsertResult{}, err
	}
	now := r.now()
	var res types.UpsertResult
	err = r.inTx(ctx, func(tx *sqlx.Tx) error {
		prev, err := lockPrev(ctx, tx, "offers", o.TenantSlug, o.ExternalKey)
		if err != nil {
			return err
		}
		if prev == nil {
			o.ID = uuid.NewString()
			o.FirstSeenAt, o.LastSeenAt = now, now
			_, err = tx.ExecContext(ctx, `
INSERT INTO offers (id, tenant_slug, page_id, source_url, external_key, title, description,
                    offer_type, price_amount, price_currency, saving_amount, start_date,
                    end_date, disclaimer, eligibility, image_url, image_fingerprint,
                    field_map, first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
				o.ID, o.TenantSlug, o.PageID, o.SourceURL, o.ExternalKey, o.Title, o.Description,
				o.OfferType, o.Price.Amount, o.Price.Currency, o.SavingAmount, o.StartDate,
				o.EndDate, o.Disclaimer, o.Eligibility, o.ImageURL, o.ImageFingerprint,
				fieldMap, now, now)
		} else {
			o.ID = prev.ID
			o.FirstSeenAt, o.LastSeenAt = prev.FirstSeenAt, now
			_, err = tx.ExecContext(ctx, `
UPDATE offers SET page_id=$2, source_url=$3, title=$4, description=$5, offer_type=$6,
                  price_amount=$7, price_currency=$8, saving_amount=$9, start_date=$10,
                  end_date=$11, disclaimer=$12, eligibility=$13, image_url=$14,
                  image_fingerprint=$15, field_map=$16, last_seen_at=$17, removed_at=NULL
WHERE id = $1`,
				o.ID, o.PageID, o.SourceURL, o.Title, o.Description, o.OfferType,
				o.Price.Amount, o.Price.Currency, o.SavingAmount, o.StartDate,
				o.EndDate, o.Disclaimer, o.Eligibility, o.ImageURL,
				o.ImageFingerprint, fieldMap, now)
		}
		if err != nil {
			return err
		}
		res, err = upsertResult(o.ID, prev)
		return err
	})
	if err != nil {
		return types.UpsertResult{}, fmt.Errorf("upsert offer %s/%s: %w", o.TenantSlug, o.ExternalKey, err)
	}
	return res, nil
}

// UpsertBanner writes the banner and returns the pre-write state.
func (r *Repository) UpsertBanner(ctx context.Context, b *types.Banner) (types.UpsertResult, error) {
	fieldMap, err := json.Marshal(b.FieldMap())
	if err != nil {
		return types.UpsertResult{}, err
	}
	now := r.now()
	var res types.UpsertResult
	err = r.inTx(ctx, func(tx *sqlx.Tx) error {
		prev, err := lockPrev(ctx, tx, "banners", b.TenantSlug, b.ExternalKey)
		if err != nil {
			return err
		}
		if prev == nil {
			b.ID = uuid.NewString()
			b.FirstSeenAt, b.LastSeenAt = now, now
			_, err = tx.ExecContext(ctx, `
INSERT INTO banners (id, tenant_slug, page_id, page_url, external_key, position, headline,
                     subheadline, cta_text, cta_url, desktop_image_url, mobile_image_url,
                     image_fingerprint, disclaimer, field_map, first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
				b.ID, b.TenantSlug, b.PageID, b.PageURL, b.ExternalKey, b.Position, b.Headline,
				b.Subheadline, b.CTAText, b.CTAURL, b.DesktopImageURL, b.MobileImageURL,
				b.ImageFingerprint, b.Disclaimer, fieldMap, now, now)
		} else {
			b.ID = prev.ID
			b.FirstSeenAt, b.LastSeenAt = prev.FirstSeenAt, now
			_, err = tx.ExecContext(ctx, `
UPDATE banners SET page_id=$2, page_url=$3, position=$4, headline=$5, subheadline=$6,
                   cta_text=$7, cta_url=$8, desktop_image_url=$9, mobile_image_url=$10,
                   image_fingerprint=$11, disclaimer=$12, field_map=$13, last_seen_at=$14,
                   removed_at=NULL
WHERE id = $1`,
				b.ID, b.PageID, b.PageURL, b.Position, b.Headline, b.Subheadline,
				b.CTAText, b.CTAURL, b.DesktopImageURL, b.MobileImageURL,
				b.ImageFingerprint, b.Disclaimer, fieldMap, now)
		}
		if err != nil {
			return err
		}
		res, err = upsertResult(b.ID, prev)
		return err
	})
	if err != nil {
		return types.UpsertResult{}, fmt.Errorf("upsert banner %s/%s: %w", b.TenantSlug, b.ExternalKey, err)
	}
	return res, nil
}

// EntitiesOnPage maps live external keys to ids for one page and kind.
func (r *Repository) EntitiesOnPage(ctx context.Context, pageID string, kind types.EntityKind) (map[string]string, error) {
	table, ok := entityTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	rows, err := r.db.QueryxContext(ctx,
		fmt.Sprintf(`SELECT external_key, id FROM %s WHERE page_id = $1 AND removed_at IS NULL`, table),
		pageID)
	if err != nil {
		return nil, fmt.Errorf("entities on page %s: %w", pageID, err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		out[key] = id
	}
	return out, rows.Err()
}

// EntityFieldMap returns the stored canonical field map for one entity.
func (r *Repository) EntityFieldMap(ctx context.Context, kind types.EntityKind, entityID string) (map[string]any, error) {
	table, ok := entityTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	var raw []byte
	err := r.db.GetContext(ctx, &raw,
		fmt.Sprintf(`SELECT field_map FROM %s WHERE id = $1`, table), entityID)
	if err != nil {
		return nil, fmt.Errorf("field map %s %s: %w", kind, entityID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkEntityRemoved soft-deletes an entity that left its page.
func (r *Repository) MarkEntityRemoved(ctx context.Context, kind types.EntityKind, entityID string, at time.Time) error {
	table, ok := entityTables[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET removed_at = $2 WHERE id = $1 AND removed_at IS NULL`, table),
		entityID, at)
	if err != nil {
		return fmt.Errorf("mark removed %s %s: %w", kind, entityID, err)
	}
	return nil
}

// SetCurrentVersion points the entity at its freshly inserted version row.
func (r *Repository) SetCurrentVersion(ctx context.Context, kind types.EntityKind, entityID, versionID, fingerprint string) error {
	table, ok := entityTables[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET current_version_id = $2, fingerprint = $3 WHERE id = $1`, table),
		entityID, versionID, fingerprint)
	if err != nil {
		return fmt.Errorf("set current version %s %s: %w", kind, entityID, err)
	}
	return nil
}

// inTx runs fn in a transaction with rollback on error.
func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
