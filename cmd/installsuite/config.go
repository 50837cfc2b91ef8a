package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/installsuite/internal/util/logging"
	"github.com/alexandremahdhaoui/installsuite/pkg/scenario"
	"github.com/alexandremahdhaoui/installsuite/pkg/vmm"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "INSTALLSUITE_CONFIG_PATH"

	envScenarioDir     = "INSTALLSUITE_SCENARIO_DIR"
	envArtifactDir     = "INSTALLSUITE_ARTIFACT_DIR"
	envWorkDir         = "INSTALLSUITE_WORK_DIR"
	envLibvirtURI      = "INSTALLSUITE_LIBVIRT_URI"
	envLibvirtNetwork  = "INSTALLSUITE_LIBVIRT_NETWORK"
	envLibvirtSubnet   = "INSTALLSUITE_LIBVIRT_SUBNET"
	envInstallerISO    = "INSTALLSUITE_INSTALLER_ISO"
	envFirmware        = "INSTALLSUITE_FIRMWARE"
	envSSHUser         = "INSTALLSUITE_SSH_USER"
	envSSHKey          = "INSTALLSUITE_SSH_KEY"
	envLogLevel        = "INSTALLSUITE_LOG_LEVEL"
	envMetricsTextfile = "INSTALLSUITE_METRICS_TEXTFILE_DIR"
	envMetricsPort     = "INSTALLSUITE_METRICS_PORT"

	defaultArtifactDir = "/tmp/installsuite/artifacts"
	defaultWorkDir     = "/tmp/installsuite/work"
)

var (
	errReadConfig          = errors.New("reading config file")
	errParseConfig         = errors.New("parsing config")
	errInvalidEnv          = errors.New("invalid environment variable")
	errInvalidConfig       = errors.New("invalid config")
	errNoInstallerISO      = errors.New("installer ISO is not set")
	errInstallerISOMissing = errors.New("installer ISO does not exist")
)

// Config is used to configure installsuite.
//
// Most fields may be overridden through an INSTALLSUITE_* environment variable.
type Config struct {
	// ScenarioDir is where scenario paths are resolved from.
	ScenarioDir string `json:"scenarioDir"`
	// ArtifactDir receives one report directory per run.
	ArtifactDir string `json:"artifactDir"`
	// WorkDir holds the disks, seeds and console logs. libvirt must be able to read it.
	WorkDir string `json:"workDir"`
	// InstallerISO is the live image booted by the installer machine.
	InstallerISO string `json:"installerISO"`
	// Firmware is an optional UEFI firmware image.
	Firmware string `json:"firmware"`

	Libvirt LibvirtConfig `json:"libvirt"`
	SSH     SSHConfig     `json:"ssh"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}

// LibvirtConfig selects the hypervisor connection.
type LibvirtConfig struct {
	URI     string `json:"uri"`
	Network string `json:"network"`
	// Subnet, when set, makes the suite define and start Network as a NAT
	// network with this gateway CIDR, e.g. "192.168.150.1/24".
	Subnet string `json:"subnet"`
}

// SSHConfig configures the connection to the machines.
type SSHConfig struct {
	User string `json:"user"`
	Port int    `json:"port"`
	// PrivateKeyPath is an unencrypted private key. A key pair is generated
	// for the run when empty.
	PrivateKeyPath string `json:"privateKeyPath"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// MetricsConfig configures metrics export. Both exports are off by default.
type MetricsConfig struct {
	// TextfileDir receives one node-exporter textfile per scenario.
	TextfileDir string `json:"textfileDir"`
	// Port serves the metrics over HTTP while the suite runs.
	Port int `json:"port"`
	// Path is the HTTP path of the metrics endpoint.
	Path string `json:"path"`
}

func defaultConfig() *Config {
	return &Config{
		ScenarioDir: scenario.DefaultScenarioPath(),
		ArtifactDir: defaultArtifactDir,
		WorkDir:     defaultWorkDir,
		Libvirt: LibvirtConfig{
			URI:     vmm.DefaultURI,
			Network: "default",
		},
		SSH: SSHConfig{
			User: "root",
			Port: 22,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// loadConfig returns the defaults, overridden by the file named by
// INSTALLSUITE_CONFIG_PATH, overridden by the environment.
func loadConfig(getenv func(string) string) (*Config, error) {
	config := defaultConfig()

	if configPath := getenv(ConfigPathEnvKey); configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("path=%s", configPath), errReadConfig)
		}

		// Parse YAML or JSON (uses json tags)
		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, errors.Join(err, fmt.Errorf("path=%s", configPath), errParseConfig)
		}
	}

	if err := config.applyEnv(getenv); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	for key, dst := range map[string]*string{
		envScenarioDir:     &c.ScenarioDir,
		envArtifactDir:     &c.ArtifactDir,
		envWorkDir:         &c.WorkDir,
		envLibvirtURI:      &c.Libvirt.URI,
		envLibvirtNetwork:  &c.Libvirt.Network,
		envLibvirtSubnet:   &c.Libvirt.Subnet,
		envInstallerISO:    &c.InstallerISO,
		envFirmware:        &c.Firmware,
		envSSHUser:         &c.SSH.User,
		envSSHKey:          &c.SSH.PrivateKeyPath,
		envLogLevel:        &c.Log.Level,
		envMetricsTextfile: &c.Metrics.TextfileDir,
	} {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if v := getenv(envMetricsPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Join(err, fmt.Errorf("%s=%q", envMetricsPort, v), errInvalidEnv)
		}
		c.Metrics.Port = port
	}
	return nil
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"scenarioDir", c.ScenarioDir},
		{"artifactDir", c.ArtifactDir},
		{"workDir", c.WorkDir},
		{"libvirt.uri", c.Libvirt.URI},
		{"ssh.user", c.SSH.User},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("%s must be set", f.name))
		}
	}

	if c.Libvirt.Subnet != "" {
		if _, _, err := net.ParseCIDR(c.Libvirt.Subnet); err != nil {
			errs = append(errs, fmt.Errorf("libvirt.subnet must be a CIDR, got %q", c.Libvirt.Subnet))
		}
		if c.Libvirt.Network == "" {
			errs = append(errs, errors.New("libvirt.network must be set with libvirt.subnet"))
		}
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port must be between 1 and 65535, got %d", c.SSH.Port))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port))
	}
	if c.Metrics.Port != 0 && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append(errs, errInvalidConfig)...)
}

// installerISO returns the live image of s: the scenario override, else the
// configured one. It must exist.
func (c *Config) installerISO(s *scenario.Scenario) (string, error) {
	iso := c.InstallerISO
	if s.Machine.InstallerISO != "" {
		iso = s.Machine.InstallerISO
	}
	if iso == "" {
		return "", errors.Join(fmt.Errorf("scenario=%s", s.Name), errNoInstallerISO)
	}
	if _, err := os.Stat(iso); err != nil {
		return "", errors.Join(err, fmt.Errorf("path=%s", iso), errInstallerISOMissing)
	}
	return iso, nil
}

// firmware returns the UEFI firmware of s, if any.
func (c *Config) firmware(s *scenario.Scenario) string {
	if s.Machine.Firmware != "" {
		return s.Machine.Firmware
	}
	return c.Firmware
}
