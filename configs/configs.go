package configs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string `mapstructure:"port"`
		Env      string `mapstructure:"env"`
		LogLevel string `mapstructure:"loglevel"`
	} `mapstructure:"server"`
	Database struct {
		Driver   string `mapstructure:"driver"` // "postgres" or "memory"
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`
	WebSocket struct {
		PingInterval   string `mapstructure:"pinginterval"`
		MaxMessageSize int    `mapstructure:"maxmessagesize"`
	} `mapstructure:"websocket"`
	Auth struct {
		SecretKey string `mapstructure:"secretkey"`
	} `mapstructure:"auth"`
	Features struct {
		EnableLogging    bool     `mapstructure:"enablelogging"`
		AllowCrossOrigin bool     `mapstructure:"allowcrossorigin"`
		AllowedOrigins   []string `mapstructure:"allowedorigins"`
		EnableConsole    bool     `mapstructure:"enableconsole"`
	} `mapstructure:"features"`
	Allocation Allocation `mapstructure:"allocation"`
	Events     struct {
		Sink          string   `mapstructure:"sink"` // "none", "kafka" or "redis"
		KafkaBrokers  []string `mapstructure:"kafkabrokers"`
		KafkaTopic    string   `mapstructure:"kafkatopic"`
		RedisAddr     string   `mapstructure:"redisaddr"`
		RedisPassword string   `mapstructure:"redispassword"`
		RedisChannel  string   `mapstructure:"redischannel"`
	} `mapstructure:"events"`
	// Fleet seeds the car inventory at startup.
	Fleet []FleetCar `mapstructure:"fleet"`
}

type FleetCar struct {
	ID          string  `mapstructure:"id"`
	Model       string  `mapstructure:"model"`
	NumberPlate string  `mapstructure:"numberplate"`
	DailyPrice  float64 `mapstructure:"dailyprice"`
	Deposit     float64 `mapstructure:"deposit"`
	Active      bool    `mapstructure:"active"`
}

// Allocation holds the tunables of the booking/auction engine.
type Allocation struct {
	BiddingWindow         time.Duration `mapstructure:"biddingwindow"`
	SweepInterval         time.Duration `mapstructure:"sweepinterval"`
	LateCancelCutoff      time.Duration `mapstructure:"latecancelcutoff"`
	TrustThreshold        float64       `mapstructure:"trustthreshold"`
	TrustWeight           float64       `mapstructure:"trustweight"`
	PriceWeight           float64       `mapstructure:"priceweight"`
	AutoRejectThreshold   float64       `mapstructure:"autorejectthreshold"`
	AutoConfirmSoleBidder bool          `mapstructure:"autoconfirmsolebidder"`
	LeaderboardSize       int           `mapstructure:"leaderboardsize"`
}

// DefaultAllocation returns the engine defaults used when nothing is configured.
func DefaultAllocation() Allocation {
	return Allocation{
		BiddingWindow:    24 * time.Hour,
		SweepInterval:    time.Minute,
		LateCancelCutoff: 24 * time.Hour,
		TrustThreshold:   30,
		TrustWeight:      0.6,
		PriceWeight:      0.4,
		LeaderboardSize:  10,
	}
}

// Validate rejects configurations the engine cannot run with.
func (a Allocation) Validate() error {
	var errs []error
	if a.BiddingWindow <= 0 {
		errs = append(errs, fmt.Errorf("allocation.biddingwindow must be > 0"))
	}
	if a.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("allocation.sweepinterval must be > 0"))
	}
	if a.TrustWeight < 0 || a.PriceWeight < 0 || a.TrustWeight+a.PriceWeight == 0 {
		errs = append(errs, fmt.Errorf("allocation weights must be non-negative and not both zero"))
	}
	if a.TrustThreshold < 0 || a.TrustThreshold > 100 {
		errs = append(errs, fmt.Errorf("allocation.trustthreshold must be within [0,100]"))
	}
	return errors.Join(errs...)
}

// LoadConfig reads configs/config.yaml (or the given directories), the
// environment and an optional .env file.
func LoadConfig(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{"./configs"}
	}

	for _, p := range paths {
		if err := godotenv.Load(p + "/.env"); err == nil {
			break
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AutomaticEnv()
	// Allow dots in environment variables to map to nested keys
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("No config file found, using defaults and environment")
	}

	substituteEnvVarsInConfig(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Allocation.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultAllocation()
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "dev")
	v.SetDefault("server.loglevel", "debug")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("websocket.pinginterval", "30s")
	v.SetDefault("websocket.maxmessagesize", 4096)
	v.SetDefault("features.enablelogging", true)
	v.SetDefault("features.allowedorigins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("allocation.biddingwindow", d.BiddingWindow)
	v.SetDefault("allocation.sweepinterval", d.SweepInterval)
	v.SetDefault("allocation.latecancelcutoff", d.LateCancelCutoff)
	v.SetDefault("allocation.trustthreshold", d.TrustThreshold)
	v.SetDefault("allocation.trustweight", d.TrustWeight)
	v.SetDefault("allocation.priceweight", d.PriceWeight)
	v.SetDefault("allocation.autorejectthreshold", d.AutoRejectThreshold)
	v.SetDefault("allocation.autoconfirmsolebidder", d.AutoConfirmSoleBidder)
	v.SetDefault("allocation.leaderboardsize", d.LeaderboardSize)
	v.SetDefault("events.sink", "none")
	v.SetDefault("events.kafkatopic", "fleet-allocation-events")
	v.SetDefault("events.redischannel", "fleet-allocation-events")
}

// Helper function to manually replace environment variables in config file values
func substituteEnvVarsInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok {
			continue
		}

		// Check if the value contains environment variable syntax (e.g., ${PORT})
		if strings.Contains(value, "${") {
			v.Set(key, os.Expand(value, os.Getenv))
		}
	}
}
