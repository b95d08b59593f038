package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Config is one immutable snapshot of the user-editable settings file.
// Components hold the snapshot they were constructed with; a reload builds a
// fresh snapshot instead of mutating shared state.
type Config struct {
	ZMHost     string
	Monitors   []string // monitored camera IDs, from MON_CAMID
	LogEnable  bool
	LogTail    int // default dashboard tail lines
	LogMaxAge  time.Duration

	AlarmQueueDir string
	DetectionsDir string

	ZMUser    string
	ZMPass    string
	BasicUser string
	BasicPass string

	Threshold  int           // sliding-window burst threshold per camera
	TimeWindow time.Duration // sliding-window span
}

// Service carries the daemon-level settings that are not user-editable from
// the dashboard. Loaded once at startup from a small yaml file.
type Service struct {
	ListenAddr   string `yaml:"listen_addr"`
	DataDir      string `yaml:"data_dir"`
	SettingsPath string `yaml:"settings_path"`
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
	Metrics      bool   `yaml:"metrics"`
}

func DefaultService() Service {
	return Service{
		ListenAddr:   ":8001",
		DataDir:      "data",
		SettingsPath: "settings.ini",
		NATSSubject:  "zm.events",
		Metrics:      true,
	}
}

// LoadService reads the yaml service config. A missing file is not an error;
// defaults apply.
func LoadService(path string) (Service, error) {
	svc := DefaultService()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return svc, nil
		}
		return svc, err
	}
	if err := yaml.Unmarshal(raw, &svc); err != nil {
		return svc, fmt.Errorf("parse %s: %w", path, err)
	}
	if svc.NATSSubject == "" {
		svc.NATSSubject = "zm.events"
	}
	return svc, nil
}

// Loader owns the settings file path and hands out snapshots.
type Loader struct {
	path    string
	dataDir string

	mu   sync.RWMutex
	cur  *Config
	mtim time.Time
}

func NewLoader(settingsPath, dataDir string) *Loader {
	return &Loader{path: settingsPath, dataDir: dataDir}
}

func (l *Loader) Path() string { return l.path }

// Load parses the settings file and installs the result as the current
// snapshot. Env vars ZM_HOST, ZM_USER, ZM_PASS, BAUTH_USER, BAUTH_PWD
// override file values when set.
func (l *Loader) Load() (*Config, error) {
	f, err := ini.LooseLoad(l.path)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", l.path, err)
	}

	gen := f.Section("general")
	paths := f.Section("paths")
	creds := f.Section("credentials")
	det := f.Section("detection")

	cfg := &Config{
		ZMHost:    strings.TrimRight(gen.Key("ZM_HOST").String(), "/"),
		LogEnable: gen.Key("LOG_ENABLE").MustBool(true),
		LogTail:   gen.Key("DEFAULT_LOG_TAIL_LINES").MustInt(25),
		LogMaxAge: time.Duration(gen.Key("LOG_RETENTION_DAYS").MustInt(1)) * 24 * time.Hour,

		AlarmQueueDir: l.resolve(paths.Key("ZM_ALARM_QUEUE").MustString("queue")),
		DetectionsDir: l.resolve(paths.Key("ZM_AI_DETECTIONS_DIR").MustString("detections")),

		ZMUser:    creds.Key("ZM_USER").String(),
		ZMPass:    creds.Key("ZM_PASS").String(),
		BasicUser: creds.Key("BAUTH_USER").String(),
		BasicPass: creds.Key("BAUTH_PWD").String(),

		Threshold:  det.Key("THRESHOLD").MustInt(10),
		TimeWindow: time.Duration(det.Key("TIME_WINDOW").MustInt(60)) * time.Second,
	}

	for _, tok := range strings.Split(gen.Key("MON_CAMID").String(), ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			cfg.Monitors = append(cfg.Monitors, tok)
		}
	}

	applyEnv(cfg)

	st, err := os.Stat(l.path)

	l.mu.Lock()
	l.cur = cfg
	if err == nil {
		l.mtim = st.ModTime()
	}
	l.mu.Unlock()
	return cfg, nil
}

// Snapshot returns the current snapshot, loading once if needed.
func (l *Loader) Snapshot() *Config {
	l.mu.RLock()
	cur := l.cur
	l.mu.RUnlock()
	if cur != nil {
		return cur
	}
	cfg, err := l.Load()
	if err != nil {
		// Fall back to an empty snapshot; callers log their own failures.
		cfg = &Config{Threshold: 10, TimeWindow: time.Minute, LogTail: 25}
		applyEnv(cfg)
	}
	return cfg
}

// ReloadIfChanged re-reads the file only when its mtime moved.
func (l *Loader) ReloadIfChanged() (changed bool, err error) {
	st, err := os.Stat(l.path)
	if err != nil {
		return false, err
	}
	l.mu.RLock()
	same := st.ModTime().Equal(l.mtim)
	l.mu.RUnlock()
	if same {
		return false, nil
	}
	_, err = l.Load()
	return err == nil, err
}

func (l *Loader) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.dataDir, p)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ZM_HOST"); v != "" {
		cfg.ZMHost = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("ZM_USER"); v != "" {
		cfg.ZMUser = v
	}
	if v := os.Getenv("ZM_PASS"); v != "" {
		cfg.ZMPass = v
	}
	if v := os.Getenv("BAUTH_USER"); v != "" {
		cfg.BasicUser = v
	}
	if v := os.Getenv("BAUTH_PWD"); v != "" {
		cfg.BasicPass = v
	}
}
