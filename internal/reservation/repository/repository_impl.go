package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"gorm.io/gorm"
)

const reservationColumns = `id, job_id, company_id, subscription_id, amount_reserved, amount_captured,
	 amount_released, state, metadata, created_at, updated_at, settled_at`

type repo struct{}

func Provide() reservationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, reservation *reservationdomain.Reservation) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO reservations (`+reservationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reservation.ID,
		reservation.JobID,
		reservation.CompanyID,
		reservation.SubscriptionID,
		reservation.AmountReserved,
		reservation.AmountCaptured,
		reservation.AmountReleased,
		reservation.State,
		reservation.Metadata,
		reservation.CreatedAt,
		reservation.UpdatedAt,
		reservation.SettledAt,
	).Error
}

func (r *repo) FindByJobID(ctx context.Context, conn *gorm.DB, jobID string) (*reservationdomain.Reservation, error) {
	return r.findByJobID(ctx, conn, jobID, "")
}

func (r *repo) FindByJobIDForUpdate(ctx context.Context, conn *gorm.DB, jobID string, nowait bool) (*reservationdomain.Reservation, error) {
	option := ""
	if nowait {
		option = db.LockNoWait
	}
	return r.findByJobID(ctx, conn, jobID, db.ForUpdate(conn, option))
}

func (r *repo) findByJobID(ctx context.Context, conn *gorm.DB, jobID string, lock string) (*reservationdomain.Reservation, error) {
	var reservation reservationdomain.Reservation
	err := conn.WithContext(ctx).Raw(
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE job_id = ?
		 LIMIT 1`+lock,
		jobID,
	).Scan(&reservation).Error
	if err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, nil
	}
	return &reservation, nil
}

func (r *repo) Settle(ctx context.Context, conn *gorm.DB, id snowflake.ID, settlement reservationdomain.Settlement) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE reservations SET
		 state = ?,
		 amount_captured = ?,
		 amount_released = ?,
		 settled_at = ?,
		 updated_at = ?
		 WHERE id = ? AND state = ?
		 AND amount_reserved = ?`,
		settlement.State,
		settlement.Captured,
		settlement.Released,
		settlement.At,
		settlement.At,
		id,
		reservationdomain.StateActive,
		settlement.Captured+settlement.Released,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListActive(ctx context.Context, conn *gorm.DB, companyID snowflake.ID) ([]reservationdomain.Reservation, error) {
	var reservations []reservationdomain.Reservation
	err := conn.WithContext(ctx).Raw(
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE company_id = ? AND state = ?
		 ORDER BY created_at ASC, id ASC`,
		companyID,
		reservationdomain.StateActive,
	).Scan(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}
