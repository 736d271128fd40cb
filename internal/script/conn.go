package script

import (
	"database/sql"
	"errors"
	"strings"
	"sync"

	"dbflow/pkg/logx"

	_ "modernc.org/sqlite"
)

// Pool shares database handles between runs. Handles are opened on first
// use and keyed by driver and data source.
type Pool struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
	log logx.Logger
}

func NewPool(log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{dbs: map[string]*sql.DB{}, log: log}
}

// Get returns the handle for c, opening it if needed.
func (p *Pool) Get(c ConnSpec) (*sql.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	key := driver + "\x00" + c.DSN

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dbs == nil {
		return nil, errors.New("connection pool closed")
	}
	if db, ok := p.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, c.DSN)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
	}
	p.dbs[key] = db
	p.log.Debug("connection opened", logx.String("driver", driver))
	return db, nil
}

// Close closes every handle. Later Get calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	dbs := p.dbs
	p.dbs = nil
	p.mu.Unlock()
	var errs []error
	for _, db := range dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
