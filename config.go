package evloop

import (
	"io/ioutil"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// Loops is the event loop count; 0 means one loop per CPU.
	Loops int `yaml:"loops" toml:"loops"`
}

type ListenerConfig struct {
	Name    string        `yaml:"name" toml:"name"`
	Address string        `yaml:"address" toml:"address"`
	Port    int           `yaml:"port" toml:"port"`
	Backlog int           `yaml:"backlog" toml:"backlog"`
	Socket  SocketOptions `yaml:"socket" toml:"socket"`
}

type SocketOptions struct {
	RcvBuf    int  `yaml:"rcv_buf" toml:"rcv_buf"`
	SndBuf    int  `yaml:"snd_buf" toml:"snd_buf"`
	NoDelay   bool `yaml:"no_delay" toml:"no_delay"`
	KeepAlive bool `yaml:"keep_alive" toml:"keep_alive"`
}

type Config struct {
	Global    Global                 `yaml:"global" toml:"global"`
	Listeners []ListenerConfig       `yaml:"listeners" toml:"listeners"`
	Events    map[string]interface{} `yaml:"events" toml:"events"`
}

// LoadConfig reads a TOML or YAML config, keyed on the file suffix.
func LoadConfig(filePath string) (*Config, error) {
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read config file %s", filePath)
	}
	config := &Config{}
	if strings.HasSuffix(filePath, ".toml") {
		err = toml.Unmarshal(file, config)
	} else if strings.HasSuffix(filePath, ".yaml") {
		err = yaml.Unmarshal(file, config)
	} else {
		return nil, errors.Errorf("unsupported config format: %s", filePath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can't parse config file %s", filePath)
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	for i := range config.Listeners {
		l := &config.Listeners[i]
		if l.Address == "" {
			l.Address = "0.0.0.0"
		}
		if l.Port < 0 || l.Port > 65535 {
			return errors.Errorf("listener %s: bad port %d", l.Name, l.Port)
		}
		if l.Backlog <= 0 {
			l.Backlog = 128
		}
	}
	if config.Global.Loops < 0 {
		return errors.Errorf("bad loop count %d", config.Global.Loops)
	}
	return nil
}
