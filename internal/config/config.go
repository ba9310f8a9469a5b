// Package config handles YAML run configuration parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"feedtrace/internal/core"
)

// Config is the root configuration structure: the scenario catalog, the
// ordered list of (scenario, user) pairs to run, and global run settings.
type Config struct {
	Scenarios map[string]Scenario `yaml:"scenarios"`
	Runs      []RunPair           `yaml:"runs"`
	Settings  RunSettings         `yaml:"settings"`
}

// RunPair names one session to execute.
type RunPair struct {
	Scenario string `yaml:"scenario"`
	User     string `yaml:"user"`
}

// Scenario groups a network identity with the users that route through it.
type Scenario struct {
	Proxy Proxy           `yaml:"proxy"`
	Users map[string]User `yaml:"users"`
}

// Proxy is the per-scenario network identity. Empty host means direct.
type Proxy struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Identity converts the proxy block to the core descriptor.
func (p Proxy) Identity() core.NetworkIdentity {
	return core.NetworkIdentity{Host: p.Host, Port: p.Port, Username: p.Username, Password: p.Password}
}

// User holds one simulated user's credentials, session settings, and
// behavioral profile.
type User struct {
	Email    string       `yaml:"email"`
	Password string       `yaml:"password"`
	Settings UserSettings `yaml:"settings"`
	Profile  Profile      `yaml:"profile"`
}

// UserSettings control a single session's mechanics.
type UserSettings struct {
	UseProxy     bool   `yaml:"use_proxy"`
	UseLogin     bool   `yaml:"use_login"`
	ReuseCookies bool   `yaml:"reuse_cookies"`
	Country      string `yaml:"country"`

	MaxBatches int `yaml:"max_batches"`
	MaxVideos  int `yaml:"max_videos"`

	MaxWatchTime               Duration `yaml:"max_watchtime"`
	HashtagsWatchLongerMaxTime Duration `yaml:"hashtags_watch_longer_max_watchtime"`
	RandomWatchMaxTime         Duration `yaml:"random_watch_max_watchtime"`
}

// Profile is the behavioral profile governing watch-time scaling and
// like/follow propensity. Allow-lists always win over random budgets.
type Profile struct {
	HashtagsToLike    []string `yaml:"hashtags_to_like"`
	HashtagsToFollow  []string `yaml:"hashtags_to_follow"`
	UsernamesToLike   []string `yaml:"usernames_to_like"`
	UsernamesToFollow []string `yaml:"usernames_to_follow"`

	HashtagsWatchLonger            []string `yaml:"hashtags_watch_longer"`
	HashtagsWatchLongerCoefficient float64  `yaml:"hashtags_watch_longer_coefficient"`
	WatchCoefficientWithHashtags   float64  `yaml:"watch_coefficient_with_hashtags"`
	WatchCoefficientNoHashtags     float64  `yaml:"watch_coefficient_no_hashtags"`
	RandomWatchCoefficient         float64  `yaml:"random_watch_coefficient"`

	RandomPostsToLike     int `yaml:"random_posts_to_like"`
	RandomAuthorsToFollow int `yaml:"random_authors_to_follow"`
	RandomVideosToWatch   int `yaml:"random_videos_to_watch"`
}

// RunSettings apply to the whole run.
type RunSettings struct {
	MaxConcurrency         int      `yaml:"max_concurrency"`
	StaggerDelay           Duration `yaml:"stagger_delay"`
	StallTimeout           Duration `yaml:"stall_timeout"`
	WallClockBudget        Duration `yaml:"wall_clock_budget"`
	WatchTimeBudget        Duration `yaml:"watch_time_budget"`
	AuthRetries            int      `yaml:"auth_retries"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	OutputDir              string   `yaml:"output_dir"`
	TargetEndpoint         string   `yaml:"target_endpoint"`
	Headless               bool     `yaml:"headless"`
	Seed                   int64    `yaml:"seed"`
}

// Defaults mirror the original methodology: two minutes between session
// starts (manual captcha solving headroom), one minute of feed silence
// before a session counts as stalled.
const (
	DefaultStaggerDelay           = 2 * time.Minute
	DefaultStallTimeout           = 60 * time.Second
	DefaultMaxWatchTime           = 120 * time.Second
	DefaultAuthRetries            = 3
	DefaultMaxConsecutiveFailures = 5
	DefaultTargetEndpoint         = "https://www.tiktok.com/api/recommend/item_list"
)

// Duration wraps time.Duration with YAML support for "90s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads and parses a YAML run configuration file, applies
// defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.MaxConcurrency <= 0 {
		c.Settings.MaxConcurrency = len(c.Runs)
	}
	if c.Settings.StaggerDelay == 0 {
		c.Settings.StaggerDelay = Duration(DefaultStaggerDelay)
	}
	if c.Settings.StallTimeout == 0 {
		c.Settings.StallTimeout = Duration(DefaultStallTimeout)
	}
	if c.Settings.AuthRetries <= 0 {
		c.Settings.AuthRetries = DefaultAuthRetries
	}
	if c.Settings.MaxConsecutiveFailures <= 0 {
		c.Settings.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.Settings.OutputDir == "" {
		c.Settings.OutputDir = "runs"
	}
	if c.Settings.TargetEndpoint == "" {
		c.Settings.TargetEndpoint = DefaultTargetEndpoint
	}

	for name, sc := range c.Scenarios {
		for id, user := range sc.Users {
			if user.Settings.MaxVideos <= 0 {
				user.Settings.MaxVideos = 250
			}
			if user.Settings.MaxBatches <= 0 {
				user.Settings.MaxBatches = 2000
			}
			if user.Settings.MaxWatchTime == 0 {
				user.Settings.MaxWatchTime = Duration(DefaultMaxWatchTime)
			}
			if user.Settings.HashtagsWatchLongerMaxTime == 0 {
				user.Settings.HashtagsWatchLongerMaxTime = user.Settings.MaxWatchTime
			}
			if user.Settings.RandomWatchMaxTime == 0 {
				user.Settings.RandomWatchMaxTime = user.Settings.MaxWatchTime
			}
			if user.Profile.WatchCoefficientWithHashtags == 0 {
				user.Profile.WatchCoefficientWithHashtags = 1
			}
			if user.Profile.WatchCoefficientNoHashtags == 0 {
				user.Profile.WatchCoefficientNoHashtags = 1
			}
			if user.Profile.HashtagsWatchLongerCoefficient == 0 {
				user.Profile.HashtagsWatchLongerCoefficient = 1
			}
			if user.Profile.RandomWatchCoefficient == 0 {
				user.Profile.RandomWatchCoefficient = 1
			}
			sc.Users[id] = user
		}
		c.Scenarios[name] = sc
	}
}

// Validate checks structural consistency. Run pairs referencing unknown
// scenarios or users are not an error here; the coordinator marks them
// skipped so the rest of the run proceeds.
func (c *Config) Validate() error {
	if len(c.Runs) == 0 {
		return fmt.Errorf("config: no runs defined")
	}
	if len(c.Scenarios) == 0 {
		return fmt.Errorf("config: no scenarios defined")
	}
	for name, sc := range c.Scenarios {
		if len(sc.Users) == 0 {
			return fmt.Errorf("config: scenario %q has no users", name)
		}
		for id, user := range sc.Users {
			if user.Settings.UseLogin && user.Email == "" {
				return fmt.Errorf("config: scenario %q user %q: use_login set but no email", name, id)
			}
			if user.Settings.UseProxy && sc.Proxy.Host == "" {
				return fmt.Errorf("config: scenario %q user %q: use_proxy set but scenario has no proxy host", name, id)
			}
		}
	}
	return nil
}

// Lookup resolves a run pair to its scenario and user config.
func (c *Config) Lookup(pair RunPair) (Scenario, User, error) {
	sc, ok := c.Scenarios[pair.Scenario]
	if !ok {
		return Scenario{}, User{}, fmt.Errorf("unknown scenario %q", pair.Scenario)
	}
	user, ok := sc.Users[pair.User]
	if !ok {
		return Scenario{}, User{}, fmt.Errorf("unknown user %q in scenario %q", pair.User, pair.Scenario)
	}
	return sc, user, nil
}
