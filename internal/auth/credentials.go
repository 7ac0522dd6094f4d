package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Record pairs an authorization server with the client registration the
// node holds there.
type Record struct {
	AuthorizationServerURI string         `json:"authorization_server_uri"`
	ClientMetadata         ClientMetadata `json:"client_metadata"`
}

// Credentials is the node's persisted client registrations: one
// {seed_id}.json file holding an array of records, readable only by the
// process owner. Registrations survive restarts so a node does not
// re-register on every boot.
type Credentials struct {
	path string

	mu      sync.Mutex
	records []Record
}

// OpenCredentials loads the credentials file for a seed, creating the
// state directory when needed. A missing file is an empty set, not an
// error.
func OpenCredentials(dir, seedID string) (*Credentials, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials dir: %w", err)
	}
	c := &Credentials{path: filepath.Join(dir, seedID+".json")}
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(raw, &c.records); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", c.path, err)
	}
	return c, nil
}

// Path returns the backing file location.
func (c *Credentials) Path() string { return c.path }

// Lookup returns the stored registration for an authorization server.
func (c *Credentials) Lookup(serverURI string) (ClientMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.AuthorizationServerURI == serverURI {
			return r.ClientMetadata, true
		}
	}
	return ClientMetadata{}, false
}

// Put upserts the registration for a server and rewrites the file.
func (c *Credentials) Put(serverURI string, meta ClientMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.records {
		if c.records[i].AuthorizationServerURI == serverURI {
			c.records[i].ClientMetadata = meta
			return c.save()
		}
	}
	c.records = append(c.records, Record{AuthorizationServerURI: serverURI, ClientMetadata: meta})
	return c.save()
}

// Remove drops the registration for a server.
func (c *Credentials) Remove(serverURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.records[:0]
	for _, r := range c.records {
		if r.AuthorizationServerURI != serverURI {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(c.records) {
		return nil
	}
	c.records = kept
	return c.save()
}

// Prune drops registrations whose client secret has expired; the next
// contact with that server registers from scratch. It returns how many
// records were dropped.
func (c *Credentials) Prune(now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.records[:0]
	for _, r := range c.records {
		if !r.ClientMetadata.SecretExpired(now) {
			kept = append(kept, r)
		}
	}
	dropped := len(c.records) - len(kept)
	c.records = kept
	if dropped == 0 {
		return 0, nil
	}
	return dropped, c.save()
}

// save rewrites the file owner-only. Callers hold the mutex.
func (c *Credentials) save() error {
	raw, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Pruner drops expired client registrations on a cron schedule.
type Pruner struct {
	creds *Credentials
	cron  *cron.Cron
	log   zerolog.Logger
}

// NewPruner schedules pruning. The schedule is standard five-field
// cron syntax.
func NewPruner(creds *Credentials, schedule string, log zerolog.Logger) (*Pruner, error) {
	p := &Pruner{
		creds: creds,
		cron:  cron.New(),
		log:   log.With().Str("component", "credentials-pruner").Logger(),
	}
	if _, err := p.cron.AddFunc(schedule, p.prune); err != nil {
		return nil, fmt.Errorf("credentials prune schedule: %w", err)
	}
	return p, nil
}

func (p *Pruner) prune() {
	n, err := p.creds.Prune(time.Now())
	if err != nil {
		p.log.Error().Err(err).Msg("credentials prune failed")
		return
	}
	if n > 0 {
		p.log.Info().Int("dropped", n).Msg("expired client registrations pruned")
	}
}

// Start begins the schedule.
func (p *Pruner) Start() { p.cron.Start() }

// Stop halts the schedule and waits for a running job to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}
