package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                      string
		Address                   string
		DebugHost                 string
		JWTAudience               string
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		ShutdownTimeout           time.Duration
		DisableReqLogs            bool
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	EscudosConfig struct {
		ValidityMonths     int
		MaxRedeemPercent   int
		ResidualRequeue    bool
		SweepInterval      time.Duration
		ExpiryNoticeWindow time.Duration
		TxAttempts         int
		TxRetryDelay       time.Duration
	}

	Config struct {
		AppName          string
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		SecretKey        string
		FrontendBaseURL  string
		RollbarToken     string
		SendgridAPIKey   string
		defaultFromEmail string

		Server   ServerConfig
		Database DatabaseConfig
		Escudos  EscudosConfig
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
}

// NewConfig reads the configuration from defaults, the environment and the optional
// `config/.env.<env>` file found in the working directory.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Escudos")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.jwtAudience", "Academia")
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.disableReqLogs", false)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "escudos")
	v.SetDefault("database.user", "escudos")
	v.SetDefault("database.password", "escudos")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("escudos.validityMonths", 12)
	v.SetDefault("escudos.maxRedeemPercent", 30)
	v.SetDefault("escudos.residualRequeue", false)
	v.SetDefault("escudos.sweepInterval", time.Hour)
	v.SetDefault("escudos.expiryNoticeWindow", 30*24*time.Hour)
	v.SetDefault("escudos.txAttempts", 3)
	v.SetDefault("escudos.txRetryDelay", 50*time.Millisecond)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	if wd, err := os.Getwd(); err == nil {
		dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
		}
	}
	v.AutomaticEnv()

	return &Config{
		AppName:          v.GetString("appName"),
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		SecretKey:        v.GetString("secretKey"),
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridAPIKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			Address:                   v.GetString("server.address"),
			DebugHost:                 v.GetString("server.debugHost"),
			JWTAudience:               v.GetString("server.jwtAudience"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			DisableReqLogs:            v.GetBool("server.disableReqLogs"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Escudos: EscudosConfig{
			ValidityMonths:     v.GetInt("escudos.validityMonths"),
			MaxRedeemPercent:   v.GetInt("escudos.maxRedeemPercent"),
			ResidualRequeue:    v.GetBool("escudos.residualRequeue"),
			SweepInterval:      v.GetDuration("escudos.sweepInterval"),
			ExpiryNoticeWindow: v.GetDuration("escudos.expiryNoticeWindow"),
			TxAttempts:         v.GetInt("escudos.txAttempts"),
			TxRetryDelay:       v.GetDuration("escudos.txRetryDelay"),
		},
	}
}

// NewTestConfig returns a Config suitable for tests: no env lookups, debug off, test mode on.
func NewTestConfig() *Config {
	return &Config{
		AppName:          "Escudos",
		Env:              "TEST",
		Build:            "test",
		TestMode:         true,
		SecretKey:        "secret",
		FrontendBaseURL:  "http://localhost:8080",
		defaultFromEmail: "noreply@localhost",
		Server: ServerConfig{
			Host:                      "localhost",
			JWTAudience:               "Academia",
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
			ShutdownTimeout:           time.Second,
			DisableReqLogs:            true,
		},
		Escudos: EscudosConfig{
			ValidityMonths:     12,
			MaxRedeemPercent:   30,
			SweepInterval:      time.Hour,
			ExpiryNoticeWindow: 30 * 24 * time.Hour,
			TxAttempts:         1,
		},
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s (env=%s build=%s debug=%t)", c.AppName, c.Env, c.Build, c.Debug)
}
