package capacity

import (
	"os"
	"strconv"
	"sync"

	"github.com/loomhq/loom/internal/observability"
)

// Limits configures the three pools. Zero values fall back to defaults.
type Limits struct {
	TurnMax       int
	TurnQueue     int
	SubagentMax   int
	SubagentQueue int
	PythonMax     int
	PythonQueue   int
}

// DefaultLimits reads pool limits from the environment.
func DefaultLimits() Limits {
	return Limits{
		TurnMax:       envInt("CHAT_TURN_MAX_CONCURRENCY", 64),
		TurnQueue:     envInt("CHAT_TURN_MAX_QUEUE", 512),
		SubagentMax:   envInt("CHAT_SUBAGENT_MAX_CONCURRENCY", 12),
		SubagentQueue: envInt("CHAT_SUBAGENT_MAX_QUEUE", 256),
		PythonMax:     envInt("CHAT_PYTHON_MAX_CONCURRENCY", 16),
		PythonQueue:   envInt("CHAT_PYTHON_MAX_QUEUE", 256),
	}
}

func (l Limits) withDefaults() Limits {
	d := Limits{TurnMax: 64, TurnQueue: 512, SubagentMax: 12, SubagentQueue: 256, PythonMax: 16, PythonQueue: 256}
	if l.TurnMax > 0 {
		d.TurnMax = l.TurnMax
	}
	if l.TurnQueue > 0 {
		d.TurnQueue = l.TurnQueue
	}
	if l.SubagentMax > 0 {
		d.SubagentMax = l.SubagentMax
	}
	if l.SubagentQueue > 0 {
		d.SubagentQueue = l.SubagentQueue
	}
	if l.PythonMax > 0 {
		d.PythonMax = l.PythonMax
	}
	if l.PythonQueue > 0 {
		d.PythonQueue = l.PythonQueue
	}
	return d
}

// Controller bundles the runtime's pools.
type Controller struct {
	Turn     *Pool
	Subagent *Pool
	Python   *Pool
}

// NewController builds pools from limits.
func NewController(limits Limits, metrics *observability.Metrics) *Controller {
	l := limits.withDefaults()
	return &Controller{
		Turn:     NewPool(PoolTurn, l.TurnMax, l.TurnQueue, metrics),
		Subagent: NewPool(PoolSubagent, l.SubagentMax, l.SubagentQueue, metrics),
		Python:   NewPool(PoolPython, l.PythonMax, l.PythonQueue, metrics),
	}
}

var (
	defaultController     *Controller
	defaultControllerOnce sync.Once
)

// Default returns the process-wide controller, built lazily from the
// environment. Components should still accept an injected *Controller.
func Default() *Controller {
	defaultControllerOnce.Do(func() {
		defaultController = NewController(DefaultLimits(), observability.Default())
	})
	return defaultController
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
