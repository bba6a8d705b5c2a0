package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	metadata, err := nullableJSON(def.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, version, name, status, steps, raw, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.Name, string(def.Status), string(steps),
		nullStr(def.Raw), metadata, timeOrNow(def.Created), timeOrNow(def.Updated),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %d already exists", def.ID, def.Version).WithCause(err)
	}
	return err
}

const definitionColumns = `id, version, name, status, steps, raw, metadata, created_at, updated_at`

func scanDefinition(row interface{ Scan(...any) error }) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var stepsJSON, status string
	var raw, metadata sql.NullString
	err := row.Scan(&def.ID, &def.Version, &def.Name, &status, &stepsJSON, &raw, &metadata, &def.Created, &def.Updated)
	if err != nil {
		return nil, err
	}
	def.Status = schema.WorkflowStatus(status)
	def.Raw = raw.String
	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := unmarshalInto(metadata, &def.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions WHERE id = ? AND version = ?`, id, version)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", fmt.Sprintf("%s@%d", id, version))
	}
	return def, err
}

func (s *LibSQLStore) GetLatestDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	// Latest version per definition ID.
	query := `SELECT ` + definitionColumns + ` FROM definitions d
		 WHERE version = (SELECT MAX(version) FROM definitions WHERE id = d.id)`
	if len(where) > 0 {
		query += " AND " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) ListDefinitionVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM definitions WHERE id = ? ORDER BY version ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *LibSQLStore) UpdateDefinitionStatus(ctx context.Context, id string, version int, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE definitions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND version = ?`,
		string(status), id, version)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

func (s *LibSQLStore) UpdateDefinitionMetadata(ctx context.Context, id string, version int, metadata map[string]any) error {
	raw, err := nullableJSON(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE definitions SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND version = ?`,
		raw, id, version)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	pointers, err := json.Marshal(inst.Pointers)
	if err != nil {
		return fmt.Errorf("marshal pointers: %w", err)
	}
	stateJSON, err := json.Marshal(inst.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	errorsJSON, err := nullableJSON(inst.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, version, status, reference, create_time, complete_time, pointers, state, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.Version, string(inst.Status), nullStr(inst.Reference),
		timeOrNow(inst.CreateTime), nullTime(inst.CompleteTime), string(pointers), string(stateJSON), errorsJSON,
	)
	return err
}

const instanceColumns = `id, definition_id, version, status, reference, create_time, complete_time, pointers, state, errors`

func scanInstance(row interface{ Scan(...any) error }) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var status, pointersJSON, stateJSON string
	var reference, errorsJSON sql.NullString
	var completeTime sql.NullTime
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.Version, &status, &reference,
		&inst.CreateTime, &completeTime, &pointersJSON, &stateJSON, &errorsJSON)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.Reference = reference.String
	if completeTime.Valid {
		inst.CompleteTime = &completeTime.Time
	}
	if err := json.Unmarshal([]byte(pointersJSON), &inst.Pointers); err != nil {
		return nil, fmt.Errorf("unmarshal pointers: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &inst.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if err := unmarshalInto(errorsJSON, &inst.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return inst, nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	pointers, err := json.Marshal(inst.Pointers)
	if err != nil {
		return fmt.Errorf("marshal pointers: %w", err)
	}
	stateJSON, err := json.Marshal(inst.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	errorsJSON, err := nullableJSON(inst.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, complete_time = ?, pointers = ?, state = ?, errors = ? WHERE id = ?`,
		string(inst.Status), nullTime(inst.CompleteTime), string(pointers), string(stateJSON), errorsJSON, inst.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", inst.ID)
}

func instanceWhere(filter InstanceFilter) (string, []any) {
	var where []string
	var args []any
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Version > 0 {
		where = append(where, "version = ?")
		args = append(args, filter.Version)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.CreatedBefore != nil {
		where = append(where, "create_time < ?")
		args = append(args, *filter.CreatedBefore)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	return clause, args
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	clause, args := instanceWhere(filter)
	query := `SELECT ` + instanceColumns + ` FROM instances` + clause + ` ORDER BY create_time DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*schema.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *LibSQLStore) CountInstances(ctx context.Context, filter InstanceFilter) (int, error) {
	clause, args := instanceWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`+clause, args...).Scan(&count)
	return count, err
}

// --- Modules ---

func (s *LibSQLStore) CreateModule(ctx context.Context, m *schema.Module, descriptors []*schema.StepDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO modules (id, name, version, artifact_name, hash, request_queue, response_queue, event_queue, deprecated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.Name, m.Version, m.ArtifactName, m.Hash,
		m.Queues.Request, m.Queues.Response, m.Queues.Event, timeOrNow(m.Created),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return schema.NewErrorf(schema.ErrCodeDuplicateModule,
				"module %s is already registered", m.ArtifactName).WithCause(err)
		}
		return err
	}

	for _, d := range descriptors {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal descriptor %s: %w", d.StepType, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO descriptors (module_name, module_version, step_type, descriptor)
			 VALUES (?, ?, ?, ?)`,
			m.Name, m.Version, d.StepType, string(raw),
		); err != nil {
			return fmt.Errorf("insert descriptor %s: %w", d.StepType, err)
		}
	}

	return tx.Commit()
}

const moduleColumns = `id, name, version, artifact_name, hash, request_queue, response_queue, event_queue, deprecated, created_at`

func scanModule(row interface{ Scan(...any) error }) (*schema.Module, error) {
	m := &schema.Module{}
	var deprecated int
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.ArtifactName, &m.Hash,
		&m.Queues.Request, &m.Queues.Response, &m.Queues.Event, &deprecated, &m.Created)
	if err != nil {
		return nil, err
	}
	m.Deprecated = deprecated != 0
	return m, nil
}

func (s *LibSQLStore) GetModule(ctx context.Context, name, version string) (*schema.Module, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+moduleColumns+` FROM modules WHERE name = ? AND version = ? AND deprecated = 0`,
		name, version)
	m, err := scanModule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("module", schema.ModuleKey(name, version))
	}
	return m, err
}

func (s *LibSQLStore) ListModules(ctx context.Context, includeDeprecated bool) ([]*schema.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules`
	if !includeDeprecated {
		query += ` WHERE deprecated = 0`
	}
	query += ` ORDER BY name, version`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modules []*schema.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

func (s *LibSQLStore) DeprecateModule(ctx context.Context, name, version string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modules SET deprecated = 1 WHERE name = ? AND version = ? AND deprecated = 0`,
		name, version)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "module", schema.ModuleKey(name, version))
}

func (s *LibSQLStore) GetDescriptors(ctx context.Context, moduleName, moduleVersion string) ([]*schema.StepDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT descriptor FROM descriptors WHERE module_name = ? AND module_version = ? ORDER BY step_type`,
		moduleName, moduleVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var descriptors []*schema.StepDescriptor
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d := &schema.StepDescriptor{}
		if err := json.Unmarshal([]byte(raw), d); err != nil {
			return nil, fmt.Errorf("unmarshal descriptor: %w", err)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *ExecutionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, pointer_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.PointerID), nullStr(event.StepID),
		event.Type, payload, timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, pointer_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		e := &ExecutionEvent{}
		var pointerID, stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &pointerID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.PointerID = pointerID.String
		e.StepID = stepID.String
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ Store = (*LibSQLStore)(nil)
