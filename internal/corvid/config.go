package corvid

import (
	"os"
	"strconv"
	"time"

	"github.com/horgh/config"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the core's read-only configuration, consumed through the
// conf/conn lookup contract. It is populated once at startup and again, in
// place, on REHASH.
type Config struct {
	ListenHost string
	ListenPort string

	ServerName string
	ServerInfo string
	Version    string
	MOTD       string

	MaxNickLength int

	WakeupTime time.Duration
	PingTime   time.Duration
	DeadTime   time.Duration

	// Opers maps an oper login name to its password hash.
	Opers map[string]string

	// Links maps a connect-block server name to its link parameters.
	Links map[string]ConnectBlock

	// TS6SID is this server's own network-unique SID.
	TS6SID string

	// HideEmulatedChghost disables the QUIT+JOIN CHGHOST fallback entirely
	// for peers lacking the capability, per §4.D.
	HideEmulatedChghost bool

	// ConfigPath is the main config file this Config was loaded from, kept
	// around so REHASH can re-read it.
	ConfigPath string
}

// ConnectBlock is one entry of the nested connect-block list: the
// authorization and transport parameters for linking to, or accepting a
// link from, a single named peer server. This shape doesn't fit the flat
// key=value main config format, so it is parsed separately, from YAML.
type ConnectBlock struct {
	Name            string `yaml:"name"`
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
	Encryption      string `yaml:"encryption"`
	SendPassword    string `yaml:"send_password"`
	ReceivePassword string `yaml:"receive_password"`
}

// connectBlockFile is the top-level shape of the YAML connect-block file.
type connectBlockFile struct {
	Servers []ConnectBlock `yaml:"servers"`
}

// LoadConfig reads the flat main configuration file and the nested
// connect-block file it references, producing a populated Config.
func LoadConfig(mainPath string) (*Config, error) {
	raw, err := config.ReadStringMap(mainPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading main config")
	}

	required := []string{
		"listen-host", "listen-port", "server-name", "server-info", "version",
		"motd", "max-nick-length", "wakeup-time", "ping-time", "dead-time",
		"opers-config", "connect-blocks", "ts6-sid",
	}
	for _, key := range required {
		v, ok := raw[key]
		if !ok || len(v) == 0 {
			return nil, errors.Errorf("missing or blank required key: %s", key)
		}
	}

	cfg := &Config{
		ListenHost: raw["listen-host"],
		ListenPort: raw["listen-port"],
		ServerName: raw["server-name"],
		ServerInfo: raw["server-info"],
		Version:    raw["version"],
		MOTD:       raw["motd"],
	}

	nickLen, err := strconv.ParseInt(raw["max-nick-length"], 10, 8)
	if err != nil {
		return nil, errors.Wrap(err, "parsing max-nick-length")
	}
	cfg.MaxNickLength = int(nickLen)

	if cfg.WakeupTime, err = time.ParseDuration(raw["wakeup-time"]); err != nil {
		return nil, errors.Wrap(err, "parsing wakeup-time")
	}
	if cfg.PingTime, err = time.ParseDuration(raw["ping-time"]); err != nil {
		return nil, errors.Wrap(err, "parsing ping-time")
	}
	if cfg.DeadTime, err = time.ParseDuration(raw["dead-time"]); err != nil {
		return nil, errors.Wrap(err, "parsing dead-time")
	}

	opers, err := config.ReadStringMap(raw["opers-config"])
	if err != nil {
		return nil, errors.Wrap(err, "loading opers config")
	}
	cfg.Opers = opers

	links, err := loadConnectBlocks(raw["connect-blocks"])
	if err != nil {
		return nil, errors.Wrap(err, "loading connect blocks")
	}
	cfg.Links = links

	if !isValidSID(raw["ts6-sid"]) {
		return nil, errors.New("invalid ts6-sid")
	}
	cfg.TS6SID = raw["ts6-sid"]

	cfg.HideEmulatedChghost = raw["hide-emulated-chghost"] == "true"
	cfg.ConfigPath = mainPath

	return cfg, nil
}

// loadConnectBlocks reads the nested YAML connect-block list.
func loadConnectBlocks(path string) (map[string]ConnectBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading connect-block file")
	}

	var file connectBlockFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}

	links := make(map[string]ConnectBlock, len(file.Servers))
	for _, blk := range file.Servers {
		if blk.Name == "" {
			return nil, errors.New("connect block with no name")
		}
		links[blk.Name] = blk
	}

	return links, nil
}

// Conf looks up a single scalar configuration value by section/key. The
// core treats configuration as entirely read-only; this is the only read
// path components outside this package should use.
func (c *Config) Conf(section, key string) (string, bool) {
	switch section {
	case "server":
		switch key {
		case "name":
			return c.ServerName, true
		case "info":
			return c.ServerInfo, true
		case "sid":
			return c.TS6SID, true
		}
	case "oper":
		pw, ok := c.Opers[key]
		return pw, ok
	}
	return "", false
}

// Conn looks up one field of a named connect block.
func (c *Config) Conn(name, key string) (string, bool) {
	blk, ok := c.Links[name]
	if !ok {
		return "", false
	}
	switch key {
	case "address":
		return blk.Address, true
	case "encryption":
		return blk.Encryption, true
	case "send_password":
		return blk.SendPassword, true
	case "receive_password":
		return blk.ReceivePassword, true
	}
	return "", false
}
