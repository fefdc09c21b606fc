package buildCFG

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"

	"attendly/internal/mailer"
)

type ServerConfig struct {
	Port string
}

type RabbitConfig struct {
	Url      string
	Exchange string
	Queue    string
}

type UpdaterConfig struct {
	// OwnerID is the organizer account whose events the background
	// updater keeps current; empty disables the updater.
	OwnerID  string
	Interval time.Duration
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	port := cfg.GetString("server.port")
	if port == "" {
		port = "8080"
		log.Warn().Msg("server.port not set, defaulting to 8080")
	}
	return ServerConfig{Port: port}
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	masterDSN := cfg.GetString("db.master_dsn")
	if masterDSN == "" {
		return "", nil, nil, fmt.Errorf("db.master_dsn is required")
	}
	slaveDSNs := cfg.GetStringSlice("db.slave_dsns")

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("db.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("db.max_idle_conns"),
		ConnMaxLifetime: time.Duration(cfg.GetInt("db.conn_max_lifetime_seconds")) * time.Second,
	}

	log.Info().Int("slaves", len(slaveDSNs)).Msg("DB config built")
	return masterDSN, slaveDSNs, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	rc := RabbitConfig{
		Url:      cfg.GetString("rabbit.url"),
		Exchange: cfg.GetString("rabbit.exchange"),
		Queue:    cfg.GetString("rabbit.queue"),
	}
	if rc.Url == "" {
		return rc, fmt.Errorf("rabbit.url is required")
	}
	if rc.Exchange == "" {
		rc.Exchange = "attendly.notifications"
	}
	if rc.Queue == "" {
		rc.Queue = "attendly.notifications.mail"
	}
	log.Info().Str("exchange", rc.Exchange).Str("queue", rc.Queue).Msg("Rabbit config built")
	return rc, nil
}

func BuildSMTPConfig(cfg *config.Config, log *zerolog.Logger) mailer.Config {
	mc := mailer.Config{
		Host:     cfg.GetString("smtp.host"),
		Port:     cfg.GetString("smtp.port"),
		From:     cfg.GetString("smtp.from"),
		Password: cfg.GetString("smtp.password"),
	}
	if mc.Host == "" {
		log.Warn().Msg("smtp.host not set, outgoing mail will fail")
	}
	return mc
}

func BuildUpdaterConfig(cfg *config.Config, log *zerolog.Logger) UpdaterConfig {
	uc := UpdaterConfig{
		OwnerID:  cfg.GetString("updater.owner_id"),
		Interval: time.Duration(cfg.GetInt("updater.interval_seconds")) * time.Second,
	}
	if uc.OwnerID == "" {
		log.Warn().Msg("updater.owner_id not set, background status updater disabled")
	}
	return uc
}
