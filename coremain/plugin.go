package coremain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/offline_sync"
)

// PluginConfig is the config of one executor plugin.
type PluginConfig struct {
	// Tag, required
	Tag string `yaml:"tag" validate:"required"`

	// Type, required
	Type string `yaml:"type" validate:"required"`

	// Ops are the operation types this plugin replays.
	Ops []string `yaml:"ops" validate:"required,min=1,dive,required"`

	// Args, might be required by some plugins.
	// The type of Args is depended on RegNewPluginFunc.
	// If it's a map[string]interface{}, it will be converted by mapstructure.
	Args any `yaml:"args"`
}

type Plugin interface {
	Tag() string
	Type() string
}

// ExecutorPlugin replays queued operations.
type ExecutorPlugin interface {
	Plugin
	offline_sync.Executor
}

// NewPluginFunc represents a func that can init a Plugin.
// args is the object created by NewArgsFunc.
type NewPluginFunc func(bp *BP, args any) (p Plugin, err error)

type NewArgsFunc func() any

type PluginTypeInfo struct {
	NewPlugin NewPluginFunc
	NewArgs   NewArgsFunc
}

var (
	// pluginTypeRegister stores init funcs for certain plugin types
	pluginTypeRegister struct {
		sync.RWMutex
		m map[string]PluginTypeInfo
	}
)

// RegNewPluginFunc registers the type.
// If the type has been registered. RegNewPluginFunc will panic.
func RegNewPluginFunc(typ string, initFunc NewPluginFunc, argsType NewArgsFunc) {
	pluginTypeRegister.Lock()
	defer pluginTypeRegister.Unlock()

	if pluginTypeRegister.m == nil {
		pluginTypeRegister.m = make(map[string]PluginTypeInfo)
	}
	if _, ok := pluginTypeRegister.m[typ]; ok {
		panic(fmt.Sprintf("plugin type %s has been registered", typ))
	}
	pluginTypeRegister.m[typ] = PluginTypeInfo{
		NewPlugin: initFunc,
		NewArgs:   argsType,
	}
}

// DelPluginType deletes the init func for this plugin type.
// It is a noop if pluginType is not registered.
func DelPluginType(typ string) {
	pluginTypeRegister.Lock()
	defer pluginTypeRegister.Unlock()
	delete(pluginTypeRegister.m, typ)
}

func GetPluginType(typ string) (PluginTypeInfo, bool) {
	pluginTypeRegister.RLock()
	defer pluginTypeRegister.RUnlock()
	info, ok := pluginTypeRegister.m[typ]
	return info, ok
}

// GetAllPluginTypes returns all registered plugin types, sorted.
func GetAllPluginTypes() []string {
	pluginTypeRegister.RLock()
	defer pluginTypeRegister.RUnlock()
	var t []string
	for typ := range pluginTypeRegister.m {
		t = append(t, typ)
	}
	sort.Strings(t)
	return t
}

// NewPlugin initializes a Plugin from c.
func NewPlugin(c *PluginConfig, lg *zap.Logger, e *Engine) (Plugin, error) {
	info, ok := GetPluginType(c.Type)
	if !ok {
		return nil, fmt.Errorf("plugin type %s not defined", c.Type)
	}

	bp := NewBP(c.Tag, c.Type, lg, e)

	// parse args
	if info.NewArgs == nil {
		return info.NewPlugin(bp, nil)
	}
	args := info.NewArgs()
	if m, ok := c.Args.(map[string]any); ok {
		if err := WeakDecode(m, args); err != nil {
			return nil, fmt.Errorf("unable to decode plugin args: %w", err)
		}
	} else if c.Args != nil {
		return nil, fmt.Errorf("invalid plugin args type %T", c.Args)
	}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("invalid plugin args: %w", err)
	}
	return info.NewPlugin(bp, args)
}

// WeakDecode decodes args from config to output.
func WeakDecode(in map[string]any, output any) error {
	config := &mapstructure.DecoderConfig{
		ErrorUnused:      true,
		Result:           output,
		WeaklyTypedInput: true,
		TagName:          "yaml",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

// BP is the base of every plugin. It carries the tag, the type and the
// logger of the plugin.
type BP struct {
	tag, typ string
	l        *zap.Logger
	e        *Engine
}

// NewBP creates a new BP and initials its logger.
func NewBP(tag, typ string, lg *zap.Logger, e *Engine) *BP {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &BP{
		tag: tag,
		typ: typ,
		l:   lg.With(zap.String("plugin", tag)),
		e:   e,
	}
}

func (p *BP) Tag() string {
	return p.tag
}

func (p *BP) Type() string {
	return p.typ
}

func (p *BP) L() *zap.Logger {
	return p.l
}

// E returns the engine that owns the plugin. It is nil in unit tests.
func (p *BP) E() *Engine {
	return p.e
}

var errNotExecutor = errors.New("plugin is not an executor")

// asExecutor checks that p can replay operations.
func asExecutor(p Plugin) (ExecutorPlugin, error) {
	ep, ok := p.(ExecutorPlugin)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", errNotExecutor, p.Tag(), p.Type())
	}
	return ep, nil
}
