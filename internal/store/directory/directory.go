// internal/store/directory/directory.go
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	stderrors "booking-notifier/internal/common/errors"
	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/models"
)

// Directory resolves tenants, agents and customers. All lookups are
// read-only; the surrounding platform owns these records.
type Directory struct {
	db     *sql.DB
	logger logger.Logger
}

func New(db *sql.DB, log logger.Logger) *Directory {
	return &Directory{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "directory"}),
	}
}

// GetTenant loads one tenant with its channel credentials and renderable fields.
func (d *Directory) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var (
		tenant    models.Tenant
		fieldsDoc []byte
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, channel_account_id, fields
		FROM tenants WHERE id = $1`, tenantID,
	).Scan(&tenant.ID, &tenant.Name, &tenant.Timezone, &tenant.ChannelAccountID, &fieldsDoc)
	if err == sql.ErrNoRows {
		return nil, stderrors.NewMissingDataError(fmt.Sprintf("tenant %s not found", tenantID))
	}
	if err != nil {
		return nil, stderrors.NewStorageUnavailableError(err)
	}
	if err := json.Unmarshal(fieldsDoc, &tenant.Fields); err != nil {
		return nil, fmt.Errorf("tenant %s fields: %w", tenantID, err)
	}
	return &tenant, nil
}

// GetAgent resolves an agent as a notification recipient.
func (d *Directory) GetAgent(ctx context.Context, agentID string) (*models.Recipient, error) {
	return d.getRecipient(ctx,
		`SELECT id, phone, fields FROM agents WHERE id = $1`,
		agentID, models.RoleAgent)
}

// GetCustomer resolves a customer as a notification recipient.
func (d *Directory) GetCustomer(ctx context.Context, customerID string) (*models.Recipient, error) {
	return d.getRecipient(ctx,
		`SELECT id, phone, fields FROM customers WHERE id = $1`,
		customerID, models.RoleCustomer)
}

// ListActiveAgents returns the tenant's active agents as recipients. Digest
// rules fan out over this set, including agents with no bookings that day.
func (d *Directory) ListActiveAgents(ctx context.Context, tenantID string) ([]models.Recipient, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, phone, fields
		FROM agents
		WHERE tenant_id = $1 AND active = TRUE
		ORDER BY id`, tenantID)
	if err != nil {
		return nil, stderrors.NewStorageUnavailableError(err)
	}
	defer rows.Close()

	var agents []models.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows, models.RoleAgent)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *rec)
	}
	return agents, rows.Err()
}

func (d *Directory) getRecipient(ctx context.Context, query, id string, role models.RecipientRole) (*models.Recipient, error) {
	var (
		rec       models.Recipient
		fieldsDoc []byte
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Phone, &fieldsDoc)
	if err == sql.ErrNoRows {
		return nil, stderrors.NewMissingDataError(fmt.Sprintf("%s %s not found", role, id))
	}
	if err != nil {
		return nil, stderrors.NewStorageUnavailableError(err)
	}
	rec.Role = role
	if err := json.Unmarshal(fieldsDoc, &rec.Fields); err != nil {
		return nil, fmt.Errorf("%s %s fields: %w", role, id, err)
	}
	return &rec, nil
}

func scanRecipient(rows *sql.Rows, role models.RecipientRole) (*models.Recipient, error) {
	var (
		rec       models.Recipient
		fieldsDoc []byte
	)
	if err := rows.Scan(&rec.ID, &rec.Phone, &fieldsDoc); err != nil {
		return nil, fmt.Errorf("scan recipient: %w", err)
	}
	rec.Role = role
	if err := json.Unmarshal(fieldsDoc, &rec.Fields); err != nil {
		return nil, fmt.Errorf("recipient %s fields: %w", rec.ID, err)
	}
	return &rec, nil
}
