// Package cli holds the flag, environment and store plumbing shared by the
// canvas commands. Every flag can also be set as CANVAS_<FLAG> (dashes become
// underscores), from the process environment or a .env file.
package cli

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pixelcanvas.ai/internal/config"
	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/persistence/cellstore"
	"pixelcanvas.ai/internal/persistence/cellstore/gormstore"
	"pixelcanvas.ai/internal/persistence/mirror"
)

// InitConfig loads .env files and enables CANVAS_* environment lookup.
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("canvas")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindFlags binds a command's flags to viper; use it as PreRunE.
func BindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func AddConfigFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "configs/canvas.yaml", "path to canvas.yaml (empty for built-in defaults)")
}

// LoadConfig reads the file named by --config.
func LoadConfig() (config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func AddLogFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "also write logs to this rotated file")
	cmd.PersistentFlags().Bool("log-json", false, "emit JSON log lines")
}

func Logger() *logrus.Logger {
	return logging.New(logging.Options{
		Level:      viper.GetString("log-level"),
		File:       viper.GetString("log-file"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
		JSON:       viper.GetBool("log-json"),
	})
}

func AddStoreFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("store", "sqlite", "cell store backend (memory, sqlite, mysql)")
	cmd.PersistentFlags().String("db", "./data/canvas.db", "sqlite database path")
	cmd.PersistentFlags().String("dsn", "", "mysql DSN, e.g. user:pass@tcp(host:3306)/canvas?parseTime=true")
}

// OpenStore opens the backend selected by --store.
func OpenStore() (cellstore.Store, error) {
	switch backend := viper.GetString("store"); backend {
	case "memory":
		return cellstore.NewMemStore(), nil
	case "sqlite":
		return cellstore.OpenSQLite(viper.GetString("db"))
	case "mysql":
		dsn := viper.GetString("dsn")
		if dsn == "" {
			return nil, fmt.Errorf("--dsn is required for the mysql store")
		}
		return gormstore.Open(dsn)
	default:
		return nil, fmt.Errorf("invalid store %q (expected memory, sqlite or mysql)", backend)
	}
}

func AddMirrorFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("mirror-endpoint", "", "S3-compatible endpoint for off-host copies of journals and snapshots")
	f.String("mirror-bucket", "", "bucket for mirrored files (empty disables mirroring)")
	f.String("mirror-region", "auto", "signing region")
	f.String("mirror-prefix", "", "object key prefix")
	f.String("mirror-access-key", "", "access key id")
	f.String("mirror-secret-key", "", "secret access key")
	f.Int("mirror-workers", 2, "concurrent uploads")
}

// OpenMirror returns nil when no bucket is configured; a nil *Mirror ignores
// Enqueue and Close.
func OpenMirror(log logrus.FieldLogger) (*mirror.Mirror, error) {
	if viper.GetString("mirror-bucket") == "" {
		return nil, nil
	}
	c, err := mirror.NewClient(mirror.ClientConfig{
		Endpoint:  viper.GetString("mirror-endpoint"),
		Bucket:    viper.GetString("mirror-bucket"),
		Region:    viper.GetString("mirror-region"),
		AccessKey: viper.GetString("mirror-access-key"),
		SecretKey: viper.GetString("mirror-secret-key"),
	})
	if err != nil {
		return nil, err
	}
	return mirror.New(c, mirror.Options{
		Prefix:  viper.GetString("mirror-prefix"),
		Workers: viper.GetInt("mirror-workers"),
		Log:     log,
	}), nil
}
