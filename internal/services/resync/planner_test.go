package resync

import (
	"testing"
	"time"

	"github.com/michaelmichaeli/mailtrack/internal/models"
	"github.com/stretchr/testify/suite"
)

type fixedRand struct{ n int }

func (r fixedRand) Intn(int) int { return r.n }

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := NewPlanner(DefaultPlannerConfig(), nil)
	s.Equal(5*time.Minute, p.BackoffDelay(1))
	s.Equal(15*time.Minute, p.BackoffDelay(2))
	s.Equal(30*time.Minute, p.BackoffDelay(3))
	s.Equal(60*time.Minute, p.BackoffDelay(4))
	s.Equal(60*time.Minute, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextCheckDelay_Terminal() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.StatusDelivered))
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.StatusReturned))
}

func (s *PlannerSuite) TestNextCheckDelay_Active_UsesRand() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{n: 0})
	s.Equal(30*time.Minute, p.NextCheckDelay(models.StatusInTransit))

	cfg := DefaultPlannerConfig()
	cfg.ActiveMinDelay = time.Minute
	cfg.ActiveMaxDelay = time.Minute
	p = NewPlanner(cfg, nil)
	s.Equal(time.Minute, p.NextCheckDelay(models.StatusShipped))
}

func (s *PlannerSuite) TestNextCheckDelay_OutForDelivery() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(10*time.Minute, p.NextCheckDelay(models.StatusOutForDelivery))
}

func (s *PlannerSuite) TestNextCheckDelay_Unknown() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(90*time.Minute, p.NextCheckDelay(models.StatusUnknown))
	s.Equal(90*time.Minute, p.NextCheckDelay(models.StatusOrdered))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
