package contacts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"wasched/internal/storage"
	"wasched/internal/transport"
	logx "wasched/pkg/logx"
)

const lastRefreshedKey = "contacts.last_refreshed"

// Cache owns the in-memory contact snapshot. It is refreshed as a whole
// from the transport; the persisted copy in sqlite is the last-known-good
// fallback loaded at startup and after failed refreshes.
type Cache struct {
	mu            sync.RWMutex
	snapshot      []transport.Contact
	byName        map[string]transport.Contact
	lastRefreshed time.Time

	// refreshing is the single-flight guard: at most one refresh runs.
	refreshing sync.Mutex
	inFlight   bool

	db          *storage.DB
	log         logx.Logger
	tr          transport.Transport
	gate        *transport.Gate
	minInterval time.Duration

	now func() time.Time
}

func New(db *storage.DB, log logx.Logger, tr transport.Transport, gate *transport.Gate, minInterval time.Duration) *Cache {
	c := &Cache{
		db:          db,
		log:         log,
		tr:          tr,
		gate:        gate,
		minInterval: minInterval,
		byName:      map[string]transport.Contact{},
		now:         time.Now,
	}
	c.loadPersisted(context.Background())
	return c
}

// SetNowFunc replaces the clock. Test hook.
func (c *Cache) SetNowFunc(now func() time.Time) { c.now = now }

func (c *Cache) loadPersisted(ctx context.Context) {
	var rows []transport.Contact
	if err := c.db.SQL.SelectContext(ctx, &rows,
		`SELECT name, COALESCE(phone, '') AS phone FROM contacts ORDER BY name`); err != nil {
		c.log.Warn("contacts: load persisted snapshot failed", logx.Err(err))
		return
	}
	var ms int64
	_ = c.db.SQL.GetContext(ctx, &ms,
		`SELECT CAST(value AS INTEGER) FROM meta WHERE key = ?`, lastRefreshedKey)

	c.mu.Lock()
	c.install(rows)
	if ms > 0 {
		c.lastRefreshed = time.UnixMilli(ms)
	}
	c.mu.Unlock()
	c.log.Debug("contacts snapshot loaded", logx.Int("count", len(rows)))
}

// install replaces the snapshot. Caller holds mu.
func (c *Cache) install(list []transport.Contact) {
	c.snapshot = list
	c.byName = make(map[string]transport.Contact, len(list))
	for _, ct := range list {
		c.byName[normalize(ct.Name)] = ct
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve finds a contact by name (case-insensitive) or phone.
func (c *Cache) Resolve(ref string) (transport.Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ct, ok := c.byName[normalize(ref)]; ok {
		return ct, true
	}
	ref = strings.TrimSpace(ref)
	for _, ct := range c.snapshot {
		if ct.Phone != "" && ct.Phone == ref {
			return ct, true
		}
	}
	return transport.Contact{}, false
}

func (c *Cache) GetAll() []transport.Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transport.Contact, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

func (c *Cache) GetTop(n int) []transport.Contact {
	all := c.GetAll()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

func (c *Cache) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefreshed
}

// Upsert merges one contact into the snapshot and rewrites the persisted
// copy synchronously.
func (c *Cache) Upsert(ctx context.Context, ct transport.Contact) error {
	c.mu.Lock()
	replaced := false
	for i := range c.snapshot {
		if normalize(c.snapshot[i].Name) == normalize(ct.Name) {
			c.snapshot[i] = ct
			replaced = true
			break
		}
	}
	if !replaced {
		c.snapshot = append(c.snapshot, ct)
	}
	c.byName[normalize(ct.Name)] = ct
	list := make([]transport.Contact, len(c.snapshot))
	copy(list, c.snapshot)
	last := c.lastRefreshed
	c.mu.Unlock()

	return c.persist(ctx, list, last)
}

// Refresh re-fetches the contact list from the session, holding the
// transport gate for the fetch. It is skipped while a send is in flight,
// while another refresh runs, or when the snapshot is younger than the
// configured interval. Transport failures keep the current snapshot and are
// never surfaced to callers as a cache failure.
func (c *Cache) Refresh(ctx context.Context) {
	c.refreshing.Lock()
	if c.inFlight {
		c.refreshing.Unlock()
		return
	}
	c.inFlight = true
	c.refreshing.Unlock()
	defer func() {
		c.refreshing.Lock()
		c.inFlight = false
		c.refreshing.Unlock()
	}()

	now := c.now()
	c.mu.RLock()
	fresh := c.minInterval > 0 && !c.lastRefreshed.IsZero() && now.Sub(c.lastRefreshed) < c.minInterval
	c.mu.RUnlock()
	if fresh {
		return
	}

	// Hold the gate for the fetch itself: the session cannot be driven by a
	// send while the contact listing is still in flight.
	if c.gate != nil {
		if !c.gate.TryAcquire() {
			c.log.Debug("contacts refresh skipped: send in flight")
			return
		}
		defer c.gate.Release()
	}

	list, err := c.tr.FetchContacts(ctx)
	if err != nil {
		c.log.Warn("contacts refresh failed; keeping snapshot", logx.Err(err))
		return
	}

	c.mu.Lock()
	c.install(list)
	c.lastRefreshed = now
	c.mu.Unlock()

	if err := c.persist(ctx, list, now); err != nil {
		c.log.Error("contacts snapshot persist failed", logx.Err(err))
	}
	c.log.Info("contacts refreshed", logx.Int("count", len(list)))
}

func (c *Cache) persist(ctx context.Context, list []transport.Contact, last time.Time) error {
	tx, err := c.db.SQL.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts`); err != nil {
		return err
	}
	for _, ct := range list {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts(name, phone) VALUES(?,?)`,
			ct.Name, storage.NullStr(ct.Phone)); err != nil {
			return err
		}
	}
	if !last.IsZero() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta(key, value) VALUES(?,?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
			lastRefreshedKey, last.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}
