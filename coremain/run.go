package coremain

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pmkol/resync/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "resync",
	Short: "Offline queue and cache engine.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the engine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage resync as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(
		newQueueCmd(),
		newCacheCmd(),
		newBreakerCmd(),
		newConnectivityCmd(),
		newProbeCmd(),
	)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the engine until a signal is received or the engine
// fails.
func StartServer(sf *serverFlags) error {
	e, err := NewServer(sf)
	if err != nil {
		return err
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		sig := <-c
		mlog.L().Warn("signal received", zap.Stringer("signal", sig))
		e.CloseWithErr(nil)
	}()

	runErr := e.Wait()
	if err := e.Close(); err != nil {
		mlog.L().Warn("engine closed with error", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("resync exited, %w", runErr)
	}
	return nil
}

// NewServer loads the config named by sf, builds the engine and starts it.
func NewServer(sf *serverFlags) (*Engine, error) {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	v, cfg, err := loadConfig(sf.c)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	fileUsed := v.ConfigFileUsed()
	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}
	if err := cfg.Init(); err != nil {
		return nil, err
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	watchLogLevel(v, lg)

	e, err := NewEngine(cfg, lg)
	if err != nil {
		return nil, err
	}
	e.Start()
	return e, nil
}

func newViper(filePath string) *viper.Viper {
	v := viper.New()
	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	return v
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
		cfg.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*viper.Viper, *Config, error) {
	v := newViper(filePath)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// watchLogLevel reloads log.level when the config file changes. Other
// fields need a restart.
func watchLogLevel(v *viper.Viper, lg *zap.Logger) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log.level")
		if err := mlog.SetLevel(level); err != nil {
			lg.Warn("config reloaded with invalid log level", zap.String("file", ev.Name), zap.Error(err))
			return
		}
		lg.Info("log level reloaded", zap.String("file", ev.Name), zap.Stringer("level", mlog.Level()))
	})
	v.WatchConfig()
}

func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	var included []PluginConfig
	var probes []ProbeConfig
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths[:len(paths):len(paths)], subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		_, subCfg, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}

		included = append(included, subCfg.Executors...)
		probes = append(probes, subCfg.Connectivity.Probes...)
	}

	cfg.Executors = append(included, cfg.Executors...)
	cfg.Connectivity.Probes = append(probes, cfg.Connectivity.Probes...)
	return nil
}
