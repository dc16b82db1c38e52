package historian

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/histstream/internal/domain"
	"github.com/ghalamif/histstream/internal/ports"
)

// SimulatorConfig drives the development data generator.
type SimulatorConfig struct {
	PropertyAlias string        `yaml:"property_alias"`
	Interval      time.Duration `yaml:"interval"`
	Retention     time.Duration `yaml:"retention"`
	CreateTables  bool          `yaml:"create_tables"`
}

func (c *SimulatorConfig) ApplyDefaults() {
	if c.PropertyAlias == "" {
		c.PropertyAlias = "Generator.Temperature"
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 480 * time.Minute
	}
}

// Simulator writes synthetic generator temperatures into the historian and
// prunes rows older than the retention window.
type Simulator struct {
	tr  *Tracker
	cfg SimulatorConfig
	obs ports.Observability
	rnd *rand.Rand
	now func() time.Time

	insertSQL string
	pruneSQL  string
}

func NewSimulator(tr *Tracker, cfg SimulatorConfig, obs ports.Observability) *Simulator {
	cfg.ApplyDefaults()
	tb := tr.tables
	p := func(n int) string { return placeholder(tr.driver, n) }
	return &Simulator{
		tr:  tr,
		cfg: cfg,
		obs: obs,
		rnd: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		now: time.Now,
		insertSQL: fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s)",
			tb.Source, tb.IDColumn, tb.AliasColumn, tb.ValueColumn, tb.QualityColumn, tb.TimeColumn,
			p(1), p(2), p(3), p(4), p(5)),
		pruneSQL: fmt.Sprintf("DELETE FROM %s WHERE %s < %s", tb.Source, tb.TimeColumn, p(1)),
	}
}

// sample draws one reading. Most readings are GOOD and in the normal band;
// roughly one in five is BAD and one in ten UNCERTAIN, with values drawn
// from the matching fault bands.
func (s *Simulator) sample() (float64, domain.Quality) {
	switch s.rnd.IntN(10) + 1 {
	case 3, 6:
		return 35 + s.rnd.Float64()*10, domain.QualityBad
	case 7:
		return 25 + s.rnd.Float64()*10, domain.QualityUncertain
	default:
		return 20 + s.rnd.Float64()*5, domain.QualityGood
	}
}

// Insert writes one synthetic measurement and returns it.
func (s *Simulator) Insert(ctx context.Context) (domain.SourceEntry, error) {
	value, quality := s.sample()
	e := domain.SourceEntry{
		ID:            uuid.NewString(),
		PropertyAlias: s.cfg.PropertyAlias,
		Value:         value,
		Quality:       string(quality),
		Timestamp:     s.now().UTC(),
	}
	ctx, cancel := s.tr.withTimeout(ctx)
	defer cancel()
	if _, err := s.tr.db.ExecContext(ctx, s.insertSQL, e.ID, e.PropertyAlias, value, e.Quality, e.Timestamp); err != nil {
		return domain.SourceEntry{}, &domain.TransientSourceError{Op: "simulate insert", Err: err}
	}
	return e, nil
}

// Prune deletes measurements recorded before cutoff.
func (s *Simulator) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.tr.withTimeout(ctx)
	defer cancel()
	res, err := s.tr.db.ExecContext(ctx, s.pruneSQL, cutoff)
	if err != nil {
		return 0, &domain.TransientSourceError{Op: "simulate prune", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Run inserts a measurement every interval until ctx is done. Database
// errors are logged and the loop carries on.
func (s *Simulator) Run(ctx context.Context) error {
	if s.cfg.CreateTables {
		if err := s.tr.CreateTables(ctx); err != nil {
			return err
		}
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if n, err := s.Prune(ctx, s.now().Add(-s.cfg.Retention)); err != nil {
			s.obs.LogError("simulate_prune_failed", err)
		} else if n > 0 {
			s.obs.LogInfo("simulate_pruned", ports.Field{Key: "rows", Value: n})
		}

		e, err := s.Insert(ctx)
		if err != nil {
			s.obs.LogError("simulate_insert_failed", err)
		} else {
			s.obs.LogInfo("simulate_inserted",
				ports.Field{Key: "id", Value: e.ID},
				ports.Field{Key: "value", Value: e.Value},
				ports.Field{Key: "quality", Value: e.Quality})
		}
		timer.Reset(s.cfg.Interval)
	}
}
