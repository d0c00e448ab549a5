package frontend

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tcassar-diss/xdpchain/bpf"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config describes what to load and where to attach it.
//
// DefaultConfig describes the reference deployment: parent on enp0s8 with
// child in slot 0 of prog_array. A TOML file and command line flags override
// it.
type Config struct {
	ImagePath   string         `toml:"image"`
	Interface   string         `toml:"interface"`
	Mode        bpf.Mode       `toml:"mode"`
	MetricsAddr string         `toml:"metrics_addr"`
	Probe       bool           `toml:"probe"`
	Dispatch    DispatchConfig `toml:"dispatch"`
	Programs    ProgramsConfig `toml:"programs"`
}

type DispatchConfig struct {
	Map  string `toml:"map"`
	Slot int    `toml:"slot"`
}

// ProgramsConfig names the entry program, attached to the interface, and the
// tail program, registered in the dispatch table.
type ProgramsConfig struct {
	Entry string `toml:"entry"`
	Tail  string `toml:"tail"`
}

func DefaultConfig() *Config {
	return &Config{
		ImagePath: "./target/xdp.o",
		Interface: "enp0s8",
		Mode:      bpf.ModeDefault,
		Dispatch: DispatchConfig{
			Map:  "prog_array",
			Slot: 0,
		},
		Programs: ProgramsConfig{
			Entry: "parent",
			Tail:  "child",
		},
	}
}

// LoadConfig decodes the TOML file at path on top of DefaultConfig. Unknown keys
// are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", ErrInvalidConfig, path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.ImagePath == "" {
		problems = append(problems, "image path is empty")
	}

	if c.Interface == "" {
		problems = append(problems, "interface is empty")
	}

	if c.Dispatch.Map == "" {
		problems = append(problems, "dispatch map is empty")
	}

	if c.Dispatch.Slot < 0 {
		problems = append(problems, fmt.Sprintf("dispatch slot %d is negative", c.Dispatch.Slot))
	}

	if c.Programs.Entry == "" || c.Programs.Tail == "" {
		problems = append(problems, "entry and tail program names are required")
	} else if c.Programs.Entry == c.Programs.Tail {
		problems = append(problems, "entry and tail program must differ")
	}

	if _, err := bpf.ParseMode(c.Mode.String()); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

// Write encodes the config in the format LoadConfig reads.
func (c *Config) Write(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
