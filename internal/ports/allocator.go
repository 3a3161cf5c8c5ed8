// Package ports persists port allocations and computes advisory resource
// sizing for VM-class backends.
// ABOUTME: The sqlite registry is one of the two cross-instance shared
// ABOUTME: stores; all read-modify-write sequences hold the registry lock.
package ports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrExhausted is returned when no free port exists within the scan range.
var ErrExhausted = errors.New("ports exhausted")

// scanRange bounds how far above the base port the allocator searches.
const scanRange = 1000

// Allocation is a persisted port pair for one instance.
type Allocation struct {
	Instance   string
	Gateway    int
	Controller int
}

// Registry is the persisted instanceName -> (gatewayPort, controllerPort)
// mapping. Allocation is idempotent and collision-free across all
// instances on the host.
type Registry struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open port registry: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ports (
			instance   TEXT PRIMARY KEY,
			gateway    INTEGER NOT NULL UNIQUE,
			controller INTEGER NOT NULL UNIQUE
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ports table: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Allocate returns the instance's port pair, assigning fresh ports on
// first call and the identical pair on every call after. Fresh ports scan
// upward from the bases past any port already held by another instance.
func (r *Registry) Allocate(ctx context.Context, name string, gatewayBase, controllerBase int) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alloc, ok, err := r.lookup(ctx, name); err != nil {
		return Allocation{}, err
	} else if ok {
		return alloc, nil
	}

	taken, err := r.takenPorts(ctx)
	if err != nil {
		return Allocation{}, err
	}

	gateway, err := scanUp(gatewayBase, taken)
	if err != nil {
		return Allocation{}, fmt.Errorf("gateway port: %w", err)
	}
	taken[gateway] = true

	controller, err := scanUp(controllerBase, taken)
	if err != nil {
		return Allocation{}, fmt.Errorf("controller port: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO ports (instance, gateway, controller) VALUES (?, ?, ?)`,
		name, gateway, controller)
	if err != nil {
		return Allocation{}, fmt.Errorf("persist allocation: %w", err)
	}

	return Allocation{Instance: name, Gateway: gateway, Controller: controller}, nil
}

// Lookup returns the existing allocation for an instance, if any.
func (r *Registry) Lookup(ctx context.Context, name string) (Allocation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(ctx, name)
}

func (r *Registry) lookup(ctx context.Context, name string) (Allocation, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT gateway, controller FROM ports WHERE instance = ?`, name)

	alloc := Allocation{Instance: name}
	err := row.Scan(&alloc.Gateway, &alloc.Controller)
	if errors.Is(err, sql.ErrNoRows) {
		return Allocation{}, false, nil
	}
	if err != nil {
		return Allocation{}, false, fmt.Errorf("query allocation: %w", err)
	}
	return alloc, true, nil
}

// Release frees an instance's ports. Releasing an unknown instance is a
// no-op.
func (r *Registry) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM ports WHERE instance = ?`, name); err != nil {
		return fmt.Errorf("release allocation: %w", err)
	}
	return nil
}

// All returns every allocation, ordered by instance name.
func (r *Registry) All(ctx context.Context) ([]Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT instance, gateway, controller FROM ports ORDER BY instance`)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var allocs []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.Instance, &a.Gateway, &a.Controller); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (r *Registry) takenPorts(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT gateway, controller FROM ports`)
	if err != nil {
		return nil, fmt.Errorf("query taken ports: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	taken := make(map[int]bool)
	for rows.Next() {
		var gateway, controller int
		if err := rows.Scan(&gateway, &controller); err != nil {
			return nil, fmt.Errorf("scan taken ports: %w", err)
		}
		taken[gateway] = true
		taken[controller] = true
	}
	return taken, rows.Err()
}

// scanUp finds the first free port at or above base within the scan range.
func scanUp(base int, taken map[int]bool) (int, error) {
	for port := base; port < base+scanRange && port <= 65535; port++ {
		if !taken[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", ErrExhausted, base, base+scanRange-1)
}
