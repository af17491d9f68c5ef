package transformer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/vss-twin-bridge/config"
	"github.com/eddielth/vss-twin-bridge/logger"
)

// Manager holds the value transformers, keyed by signal path. Signals
// without a transformer pass through unchanged.
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer runs a script defining `function transform(value, path)`.
// A goja runtime is not safe for concurrent use, hence the mutex.
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager compiles every configured transformer.
func NewManager(configs []config.Transformer) (*Manager, error) {
	m := &Manager{transformers: make(map[string]*Transformer, len(configs))}
	for _, cfg := range configs {
		t, err := load(cfg)
		if err != nil {
			return nil, fmt.Errorf("transformer for %s: %w", cfg.Path, err)
		}
		m.transformers[cfg.Path] = t
		logger.Info("loaded value transformer for %s", cfg.Path)
	}
	return m, nil
}

func load(cfg config.Transformer) (*Transformer, error) {
	code := cfg.ScriptCode
	if code == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("neither script code nor script path given")
		}
		b, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("load script %s: %w", cfg.ScriptPath, err)
		}
		code = string(b)
	}
	return newTransformer(code, cfg.ScriptPath)
}

func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("convertSpeed", func(value float64, fromUnit string, toUnit string) float64 {
		var mps float64
		switch strings.ToLower(fromUnit) {
		case "km/h", "kmh":
			mps = value / 3.6
		case "mph":
			mps = value * 0.44704
		case "m/s":
			mps = value
		default:
			return value
		}
		switch strings.ToLower(toUnit) {
		case "km/h", "kmh":
			return mps * 3.6
		case "mph":
			return mps / 0.44704
		default:
			return mps
		}
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}
		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	fn := vm.Get("transform")
	if fn == nil {
		return nil, fmt.Errorf("script does not define 'transform'")
	}
	transform, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}

	return &Transformer{vm: vm, transform: transform, scriptPath: scriptPath}, nil
}

// Apply returns the value to publish for path. A script returning
// undefined drops the update, reported as ok == false.
func (m *Manager) Apply(path string, value interface{}) (result interface{}, ok bool, err error) {
	if m == nil {
		return value, true, nil
	}
	m.mutex.RLock()
	t, exists := m.transformers[path]
	m.mutex.RUnlock()
	if !exists {
		return value, true, nil
	}
	return t.apply(path, value)
}

func (t *Transformer) apply(path string, value interface{}) (interface{}, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out, err := t.transform(goja.Undefined(), t.vm.ToValue(toScriptValue(value)), t.vm.ToValue(path))
	if err != nil {
		return nil, false, fmt.Errorf("transform %s: %w", path, err)
	}
	if goja.IsUndefined(out) {
		return nil, false, nil
	}
	return out.Export(), true, nil
}

// toScriptValue turns json.Number into a float64 or int64 so scripts can do
// arithmetic on it.
func toScriptValue(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = toScriptValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = toScriptValue(e)
		}
		return out
	default:
		return v
	}
}

// Reload replaces the transformer set with the given configuration. On error
// the current set is kept.
func (m *Manager) Reload(configs []config.Transformer) error {
	next := make(map[string]*Transformer, len(configs))
	for _, cfg := range configs {
		t, err := load(cfg)
		if err != nil {
			return fmt.Errorf("transformer for %s: %w", cfg.Path, err)
		}
		next[cfg.Path] = t
	}

	m.mutex.Lock()
	m.transformers = next
	m.mutex.Unlock()

	logger.Info("reloaded %d value transformers", len(next))
	return nil
}

// Paths returns the signal paths that have a transformer.
func (m *Manager) Paths() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	paths := make([]string, 0, len(m.transformers))
	for p := range m.transformers {
		paths = append(paths, p)
	}
	return paths
}
