package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "wallet-chat"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// dataDirEnv overrides the data directory location when set.
	dataDirEnv = "WALLET_CHAT_DATA_DIR"
)

// Config holds the endpoints of every remote collaborator plus local paths.
type Config struct {
	// TransportHost is the host:port of the messaging backend.
	TransportHost string `json:"transport_host"`

	// DirectoryURL is the base URL of the batched identity directory.
	DirectoryURL string `json:"directory_url"`
	// DirectoryScheme prefixes addresses in directory alias keys.
	DirectoryScheme string `json:"directory_scheme"`

	// NameServiceURL is the base URL of the reverse-lookup name service.
	NameServiceURL string `json:"name_service_url"`

	// NotifyURL is the base URL of the push-notification collaborator.
	// Empty disables notification dispatch.
	NotifyURL string `json:"notify_url"`
	// InboxURL is the public URL notifications link back to.
	InboxURL string `json:"inbox_url"`

	// DataDir holds the keystore and wallet files.
	DataDir string `json:"data_dir"`
}

// Default returns the configuration used when no config file exists.
func Default(dataDir string) Config {
	return Config{
		TransportHost:   "localhost:9090",
		DirectoryURL:    "http://localhost:9090/directory",
		DirectoryScheme: "eip155",
		NameServiceURL:  "http://localhost:9090/names",
		NotifyURL:       "http://localhost:9090/notify",
		InboxURL:        "http://localhost:9090/inbox",
		DataDir:         dataDir,
	}
}

// ResolveDataDir returns the app data directory, honoring the
// WALLET_CHAT_DATA_DIR override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// Path returns the full path to config.json for a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads config.json from dataDir, falling back to defaults when the
// file does not exist.
func Load(dataDir string) (Config, error) {
	raw, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(dataDir), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default(dataDir)
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to dataDir/config.json.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(Path(cfg.DataDir), raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
