package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/bptl/internal/model"
)

// SaveService inserts or replaces a configured service.
func (s *SQLiteStore) SaveService(ctx context.Context, svc *model.Service) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO services (reference, api_type, api_root, auth_header) VALUES (?, ?, ?, ?)
		ON CONFLICT (reference) DO UPDATE SET
			api_type = excluded.api_type, api_root = excluded.api_root, auth_header = excluded.auth_header`,
		svc.Reference, svc.APIType, svc.APIRoot, nullString(svc.AuthHeader),
	)
	if err != nil {
		return fmt.Errorf("save service %q: %w", svc.Reference, err)
	}
	return nil
}

// SaveMapping inserts or replaces a handler mapping together with its
// ordered service bindings.
func (s *SQLiteStore) SaveMapping(ctx context.Context, m *model.HandlerMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mappings (topic_name, handler_reference, active) VALUES (?, ?, ?)
		ON CONFLICT (topic_name) DO UPDATE SET
			handler_reference = excluded.handler_reference, active = excluded.active`,
		m.TopicName, m.HandlerReference, m.Active,
	); err != nil {
		return fmt.Errorf("save mapping %q: %w", m.TopicName, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM mapping_services WHERE topic_name = ?", m.TopicName,
	); err != nil {
		return fmt.Errorf("clear bindings of %q: %w", m.TopicName, err)
	}
	for i, b := range m.DefaultServices {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO mapping_services (topic_name, position, alias, service_reference) VALUES (?, ?, ?, ?)",
			m.TopicName, i, b.Alias, b.ServiceReference,
		); err != nil {
			return fmt.Errorf("save binding %q of %q: %w", b.Alias, m.TopicName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mapping: %w", err)
	}
	return nil
}

// GetMapping retrieves the mapping for topic with its bindings resolved to
// services. A binding to an unknown service has a nil Service.
func (s *SQLiteStore) GetMapping(ctx context.Context, topic string) (*model.HandlerMapping, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	m := &model.HandlerMapping{}
	err = tx.QueryRowContext(ctx,
		"SELECT topic_name, handler_reference, active FROM mappings WHERE topic_name = ?", topic,
	).Scan(&m.TopicName, &m.HandlerReference, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}

	if m.DefaultServices, err = bindings(ctx, tx, topic); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMappings returns all mappings ordered by topic.
func (s *SQLiteStore) ListMappings(ctx context.Context) ([]*model.HandlerMapping, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT topic_name, handler_reference, active FROM mappings ORDER BY topic_name")
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}

	var mappings []*model.HandlerMapping
	for rows.Next() {
		m := &model.HandlerMapping{}
		if err := rows.Scan(&m.TopicName, &m.HandlerReference, &m.Active); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}

	for _, m := range mappings {
		if m.DefaultServices, err = bindings(ctx, tx, m.TopicName); err != nil {
			return nil, err
		}
	}
	return mappings, nil
}

func bindings(ctx context.Context, tx *sql.Tx, topic string) ([]model.ServiceBinding, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT ms.alias, ms.service_reference, s.reference, s.api_type, s.api_root, s.auth_header
		FROM mapping_services ms
		LEFT JOIN services s ON s.reference = ms.service_reference
		WHERE ms.topic_name = ?
		ORDER BY ms.position`, topic,
	)
	if err != nil {
		return nil, fmt.Errorf("list bindings of %q: %w", topic, err)
	}
	defer rows.Close()

	var out []model.ServiceBinding
	for rows.Next() {
		var (
			b                     model.ServiceBinding
			ref, apiType, apiRoot sql.NullString
			authHeader            sql.NullString
		)
		if err := rows.Scan(&b.Alias, &b.ServiceReference, &ref, &apiType, &apiRoot, &authHeader); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		if ref.Valid {
			b.Service = &model.Service{
				Reference:  ref.String,
				APIType:    apiType.String,
				APIRoot:    apiRoot.String,
				AuthHeader: authHeader.String,
			}
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return out, nil
}
