package providers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freightwatch/freightwatch/internal/activity"
)

// PGDirectory resolves customers from the freightwatch.customers table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) Lookup(ctx context.Context, id string) (activity.Customer, error) {
	var cust activity.Customer
	var phone sql.NullString
	var preferred string
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, preferred_contact
		FROM freightwatch.customers WHERE id=$1`,
		id,
	).Scan(&cust.ID, &cust.Name, &cust.Email, &phone, &preferred)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return activity.Customer{}, activity.ErrCustomerNotFound
		}
		return activity.Customer{}, err
	}
	if phone.Valid {
		cust.Phone = phone.String
	}
	cust.PreferredContact = activity.ContactMethod(preferred)
	return cust, nil
}
