package config

import "testing"

func validConfig() *Config {
	return &Config{
		Crawl: CrawlConfig{
			ParallelSites:   3,
			CrawlDepth:      3,
			MaxPagesPerSite: 500,
			MaxSiteRetries:  10,
		},
		Network: NetworkConfig{
			EnableTor:    true,
			TorSOCKSAddr: "127.0.0.1:9050",
		},
		Store: StoreConfig{
			Driver: "postgres",
		},
		Object: ObjectConfig{
			BucketPrefix: "crawler",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"tor disabled is fatal", func(c *Config) { c.Network.EnableTor = false }, true},
		{"zero parallel sites", func(c *Config) { c.Crawl.ParallelSites = 0 }, true},
		{"negative depth", func(c *Config) { c.Crawl.CrawlDepth = -1 }, true},
		{"missing tor addr", func(c *Config) { c.Network.TorSOCKSAddr = "" }, true},
		{"i2p enabled without proxy addr", func(c *Config) { c.Network.EnableI2P = true }, true},
		{"missing bucket prefix", func(c *Config) { c.Object.BucketPrefix = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoolSize(t *testing.T) {
	cfg := validConfig()
	if got := cfg.PoolSize(); got != 8 {
		t.Errorf("PoolSize() = %d, want 8", got)
	}
	cfg.Store.MaxOpenConns = 20
	if got := cfg.PoolSize(); got != 20 {
		t.Errorf("PoolSize() with explicit value = %d, want 20", got)
	}
}
