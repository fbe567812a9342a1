package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".minidump"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Streams to include in the dump, in minidump stream names. Empty means
	// the full default set.
	Streams []string `yaml:"streams"`

	// StackWindow is the maximum number of bytes of stack captured per
	// thread.
	StackWindow *int `yaml:"stack-window,omitempty"`
	// FaultWindow is the number of bytes captured around the faulting
	// address.
	FaultWindow *int `yaml:"fault-window,omitempty"`
	// BufferLimit caps the total size of the dump in bytes, 0 means
	// unlimited.
	BufferLimit int `yaml:"buffer-limit"`

	// SanitizeStacks erases non-pointer data from captured stacks.
	SanitizeStacks bool `yaml:"sanitize-stacks"`
	// Compress gzips the dump file on disk.
	Compress bool `yaml:"compress"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the minidump tool.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Streams to include in the dump. When unset every stream is written.
# streams: [SystemInfoStream, ExceptionStream, ThreadListStream, MemoryListStream, ModuleListStream, MiscInfoStream, BreakpadInfoStream, ThreadNamesStream]

# Maximum number of bytes of stack captured per thread.
# stack-window: 524288

# Number of bytes captured around the faulting address.
# fault-window: 256

# Cap on the total size of a dump in bytes. 0 means unlimited.
# buffer-limit: 0

# Erase non-pointer data from captured stacks.
# sanitize-stacks: false

# Gzip the dump file on disk.
# compress: false
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("MINIDUMP_CONFIG_PATH"); configPath != "" {
		return path.Join(configPath, file), nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
