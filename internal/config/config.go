// Package config handles configuration loading for the transmission engine.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and circuit secrets to be injected at runtime.
//
// # Configuration Sections
//
//   - storage: Database connection (MongoDB URI, database name, GridFS)
//   - archive: Archive building (operator trigraph, referent, size ceiling)
//   - antivirus: ClamAV daemon address
//   - signature: Flux signature analysis settings
//   - circuit: Signing circuit base URLs
//   - delivery: FTP drop directory of the receiving platform
//   - events: AMQP broker for status fan-out
//   - profile: Profile service base URL
//
// # Example Configuration
//
//	storage:
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: stela
//
//	archive:
//	  trigraph: SIC
//	  maxSize: 157286400
//	  referent:
//	    name: Exploitation
//	    email: exploitation@operator.fr
//	    phone: "0400000000"
//
//	antivirus:
//	  address: tcp://localhost:3310
//
//	delivery:
//	  address: ${FTP_ADDRESS}
//	  user: ${FTP_USER}
//	  password: ${FTP_PASSWORD}
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Antivirus AntivirusConfig `yaml:"antivirus"`
	Signature SignatureConfig `yaml:"signature"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Events    EventsConfig    `yaml:"events"`
	Profile   ProfileConfig   `yaml:"profile"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// ArchiveConfig holds archive building settings
type ArchiveConfig struct {
	// Trigraph is the operator identifier prefixed to archive names
	Trigraph string `yaml:"trigraph"`
	// MaxSize is the delivery platform's upload ceiling in bytes
	MaxSize int64 `yaml:"maxSize"`
	// MaxRetries bounds automatic redeliveries of a failed upload
	MaxRetries int `yaml:"maxRetries"`
	// Referent is the human contact declared in every envelope
	Referent struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
		Phone string `yaml:"phone"`
	} `yaml:"referent"`
}

// AntivirusConfig holds ClamAV settings
type AntivirusConfig struct {
	// Address of the clamd daemon, e.g. tcp://localhost:3310
	Address string `yaml:"address"`
}

// SignatureConfig holds flux signature analysis settings
type SignatureConfig struct {
	// PolicyRequired makes a missing signature policy a blocking defect
	PolicyRequired bool `yaml:"policyRequired"`
	// BlockOnMissing stops unsigned flux instead of annotating them and
	// delivering anyway
	BlockOnMissing bool `yaml:"blockOnMissing"`
	// TrustBundle is a PEM file of accepted root certificates
	TrustBundle string `yaml:"trustBundle"`
	// PDPEndpoint delegates certificate trust decisions to a policy
	// decision point instead of the local bundle
	PDPEndpoint string `yaml:"pdpEndpoint"`
}

// CircuitConfig holds signing circuit settings
type CircuitConfig struct {
	V3URL string `yaml:"v3Url"`
	V4URL string `yaml:"v4Url"`
	// DaysToValidated is the default signing deadline in days
	DaysToValidated int `yaml:"daysToValidated"`
	// ClasseurType is the circuit-side classeur category for flux
	ClasseurType int `yaml:"classeurType"`
	// Visibility is the circuit-side visibility level of new classeurs
	Visibility int `yaml:"visibility"`
}

// DeliveryConfig holds the receiving platform's FTP settings
type DeliveryConfig struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Dir      string `yaml:"dir"`
}

// EventsConfig holds AMQP broker settings. An empty URL disables event
// publishing.
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// ProfileConfig holds the profile service settings
type ProfileConfig struct {
	URL string `yaml:"url"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "stela"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "payloads"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Archive.MaxSize == 0 {
		c.Archive.MaxSize = 150 << 20
	}
	if c.Archive.MaxRetries == 0 {
		c.Archive.MaxRetries = 3
	}
	if c.Antivirus.Address == "" {
		c.Antivirus.Address = "tcp://localhost:3310"
	}
	if c.Circuit.DaysToValidated == 0 {
		c.Circuit.DaysToValidated = 3
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "stela.documents"
	}
}

func (c *Config) validate() error {
	if c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("storage.mongodb.uri is required")
	}
	if c.Archive.Trigraph == "" {
		return fmt.Errorf("archive.trigraph is required")
	}
	if len(c.Archive.Trigraph) != 3 {
		return fmt.Errorf("archive.trigraph must be exactly 3 characters, got %q", c.Archive.Trigraph)
	}
	if c.Delivery.Address == "" {
		return fmt.Errorf("delivery.address is required")
	}
	if c.Signature.TrustBundle != "" && c.Signature.PDPEndpoint != "" {
		return fmt.Errorf("signature.trustBundle and signature.pdpEndpoint are mutually exclusive")
	}
	return nil
}
