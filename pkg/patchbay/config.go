package patchbay

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/patchbay/pkg/patchbay/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	current Config
}

type Config struct {
	LayoutFile string `mapstructure:"layout_file"`

	ReconcileIntervalMillis uint `mapstructure:"reconcile_interval_ms"`
	RetryCooldownMillis     uint `mapstructure:"retry_cooldown_ms"`

	DisableTray   bool `mapstructure:"disable_tray"`
	Notifications bool `mapstructure:"notifications"`
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."
	configType         = "yaml"

	configKeyLayoutFile        = "layout_file"
	configKeyReconcileInterval = "reconcile_interval_ms"
	configKeyRetryCooldown     = "retry_cooldown_ms"
	configKeyNotifications     = "notifications"

	defaultLayoutFile              = "layout.json"
	defaultReconcileIntervalMillis = 2000
	defaultRetryCooldownMillis     = 5000
)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// notifications stay on until a loaded config says otherwise, so load
	// errors themselves can still surface as a toast
	cc.current.Notifications = true

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyLayoutFile, defaultLayoutFile)
	userConfig.SetDefault(configKeyReconcileInterval, defaultReconcileIntervalMillis)
	userConfig.SetDefault(configKeyRetryCooldown, defaultRetryCooldownMillis)
	userConfig.SetDefault(configKeyNotifications, true)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the config file is optional - every setting has a sensible default
	if util.FileExists(userConfigFilepath) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
			} else {
				cc.notify("Error loading configuration!", "Please check patchbay's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Debugw("Config file not found, using defaults", "path", userConfigFilepath)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"layoutFile", cc.current.LayoutFile,
		"reconcileIntervalMillis", cc.current.ReconcileIntervalMillis,
		"retryCooldownMillis", cc.current.RetryCooldownMillis)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

// notify sends a toast unless the user turned notifications off
func (cc *ConfigManager) notify(title string, message string) {
	if !cc.current.Notifications {
		return
	}

	cc.notifier.Notify(title, message)
}

func (cc *ConfigManager) ReconcileInterval() time.Duration {
	return time.Duration(cc.current.ReconcileIntervalMillis) * time.Millisecond
}

func (cc *ConfigManager) RetryCooldown() time.Duration {
	return time.Duration(cc.current.RetryCooldownMillis) * time.Millisecond
}

func (cc *ConfigManager) populateFromViper() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
