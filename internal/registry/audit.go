package registry

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// AppendAudit writes an audit entry. Entries are write-once; there is no
// update or delete path.
func (r *Registry) AppendAudit(e *AuditEntry) error {
	if e == nil {
		return fmt.Errorf("audit entry is nil")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ID == "" {
		id, err := ulid.New(ulid.Timestamp(e.CreatedAt), rand.Reader)
		if err != nil {
			return fmt.Errorf("generate audit id: %w", err)
		}
		e.ID = id.String()
	}

	_, err := r.db.Exec(`
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor_type, actor_id, details, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Action, string(e.ActorType), e.ActorID,
		e.Details, e.IPAddress, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListRecentAudit returns the newest audit entries, up to limit.
func (r *Registry) ListRecentAudit(limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, entity_type, entity_id, action, actor_type, actor_id, details, ip_address, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actorType string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &actorType, &e.ActorID, &e.Details, &e.IPAddress, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorType = ActorType(actorType)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ListAuditForEntity returns audit entries for one entity, newest first.
func (r *Registry) ListAuditForEntity(entityType, entityID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, entity_type, entity_id, action, actor_type, actor_id, details, ip_address, created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY id DESC LIMIT ?`,
		entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actorType string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &actorType, &e.ActorID, &e.Details, &e.IPAddress, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorType = ActorType(actorType)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
